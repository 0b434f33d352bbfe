// Command chattail joins a geochat relay from the terminal. It registers
// over HTTP, listens on the embedded MQTT broker and sends each line read
// from stdin as a message.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kabili207/geochat/pkg/models"
	"github.com/kabili207/geochat/pkg/routes"
)

const heartbeatInterval = 30 * time.Second

type client struct {
	base string
	http *http.Client
	reg  routes.HandleResponse
}

func (c *client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string   `json:"error"`
			Score *float64 `json:"score"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Score != nil {
			return fmt.Errorf("%s: %s (score %.2f)", path, e.Error, *e.Score)
		}
		return fmt.Errorf("%s: %s %s", path, resp.Status, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		var p models.Presence
		if err := c.postJSON(ctx, "/ping", []byte(c.reg.User), &p); err != nil {
			slog.Warn("heartbeat failed", "error", err)
		} else {
			slog.Debug("heartbeat", "users", p.Users)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printMessage(_ paho.Client, msg paho.Message) {
	var v models.MessageView
	if err := json.Unmarshal(msg.Payload(), &v); err != nil {
		slog.Warn("unreadable message", "topic", msg.Topic(), "error", err)
		return
	}
	printView(v)
}

func printView(v models.MessageView) {
	nick := v.Nick
	if nick == "" {
		nick = "anonymous"
	}
	when := time.UnixMilli(v.Timestamp).Format(time.Kitchen)
	fmt.Printf("[%s] %s (%.2f, %.2f): %s\n", when, nick, v.Latitude, v.Longitude, v.Msg)
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Relay base URL")
	broker := flag.String("broker", "", "MQTT broker URL (defaults to the one the relay advertises)")
	nick := flag.String("nick", "", "Nickname to post as")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, strings.TrimRight(*server, "/"), *broker, *nick); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("chattail failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, server, broker, nick string) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	c := &client{base: server, http: &http.Client{Jar: jar, Timeout: 15 * time.Second}}

	if err := c.postJSON(ctx, "/api/handle", nil, &c.reg); err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	if broker == "" {
		broker = c.reg.Broker
	}
	slog.Info("registered", "user", c.reg.User, "listeners", c.reg.Users, "broker", broker)

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(c.reg.User).
		SetUsername(c.reg.User).
		SetPassword(c.reg.Token).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOnConnectHandler(func(pc paho.Client) {
			pc.Subscribe(c.reg.Topic, 0, printMessage)
			slog.Debug("subscribed", "topic", c.reg.Topic)
		})
	mq := paho.NewClient(opts)
	token := mq.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}
	defer mq.Disconnect(250)

	go c.heartbeat(ctx)

	var playback []models.MessageView
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/playback", nil)
	if err != nil {
		return err
	}
	if resp, err := c.http.Do(req); err == nil {
		if err := json.NewDecoder(resp.Body).Decode(&playback); err != nil {
			slog.Warn("unreadable playback", "error", err)
		}
		resp.Body.Close()
	}
	for _, v := range playback {
		printView(v)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			body, _ := json.Marshal(routes.SendRequest{Message: line, Nick: nick})
			if err := c.postJSON(ctx, "/send", body, nil); err != nil {
				slog.Warn("send failed", "error", err)
			}
		}
	}
}
