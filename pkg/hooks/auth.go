package hooks

func (h *RelayHook) validateUser(user, pass string) bool {
	if user == "" || pass == "" {
		return false
	}
	return h.config.Handles.Validate(user, pass)
}
