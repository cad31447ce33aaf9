package client

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// EventListener follows the server's advisory SSE feed and wakes a Waker on
// every commit notification. Missed or duplicated events are harmless: waking
// just runs a sync round that would otherwise wait for the poll interval.
type EventListener struct {
	BaseURL    string
	Token      string
	InstanceID string
	Client     *http.Client
	Logger     zerolog.Logger
}

// Waker is the slice of Engine the listener needs.
type Waker interface {
	Wake()
}

// Listen blocks until ctx is cancelled, reconnecting with exponential backoff
// on connection loss.
func (l *EventListener) Listen(ctx context.Context, w Waker) {
	client := l.Client
	if client == nil {
		// No overall timeout: the stream is long-lived.
		client = &http.Client{}
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		if err := l.follow(ctx, client, w); err != nil && ctx.Err() == nil {
			wait := bo.NextBackOff()
			l.Logger.Warn().Err(err).Dur("retry_in", wait).Msg("event stream lost")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
			continue
		}
		bo.Reset()
	}
}

func (l *EventListener) follow(ctx context.Context, client *http.Client, w Waker) error {
	url := l.BaseURL + "/v1/sync/events"
	if l.InstanceID != "" {
		url += "?instanceId=" + l.InstanceID
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if l.Token != "" {
		req.Header.Set("Authorization", "Bearer "+l.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case line == "":
			if event == "commit" {
				w.Wake()
			}
			event = ""
		}
	}
	return scanner.Err()
}
