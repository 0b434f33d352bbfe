package components

// IndexPageData holds everything the chat page needs to start listening.
type IndexPageData struct {
	UserID    string
	Token     string
	Latitude  float64
	Longitude float64
	Audience  int
	Version   int
	// Broker and Topic are shown for MQTT clients.
	Broker string
	Topic  string
}
