package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"matchstream/internal/signal"
)

// Signaling is the client's view of the signaling server.
type Signaling interface {
	ICEServers(ctx context.Context) ([]signal.ICEServer, error)
	Join(ctx context.Context, room signal.RoomID, role signal.Role) error
	Leave(ctx context.Context, room signal.RoomID, role signal.Role) error
	Send(ctx context.Context, room signal.RoomID, from signal.Role, typ string, data json.RawMessage) error
	Poll(ctx context.Context, room signal.RoomID, role signal.Role) ([]signal.Signal, error)
}

// HTTPSignaling talks to the polling API mounted at BaseURL (e.g.
// "http://localhost:8080/signal").
type HTTPSignaling struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPSignaling(baseURL string) *HTTPSignaling {
	return &HTTPSignaling{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSignaling) ICEServers(ctx context.Context) ([]signal.ICEServer, error) {
	var out struct {
		ICEServers []signal.ICEServer `json:"ice_servers"`
	}
	if err := s.do(ctx, http.MethodGet, "/ice-servers", nil, &out); err != nil {
		return nil, err
	}
	return out.ICEServers, nil
}

func (s *HTTPSignaling) Join(ctx context.Context, room signal.RoomID, role signal.Role) error {
	return s.do(ctx, http.MethodPost, roomPath(room, "join"), map[string]signal.Role{"role": role}, nil)
}

func (s *HTTPSignaling) Leave(ctx context.Context, room signal.RoomID, role signal.Role) error {
	return s.do(ctx, http.MethodPost, roomPath(room, "leave"), map[string]signal.Role{"role": role}, nil)
}

func (s *HTTPSignaling) Send(ctx context.Context, room signal.RoomID, from signal.Role, typ string, data json.RawMessage) error {
	body := map[string]any{"role": from, "type": typ, "data": data}
	return s.do(ctx, http.MethodPost, roomPath(room, "signals"), body, nil)
}

func (s *HTTPSignaling) Poll(ctx context.Context, room signal.RoomID, role signal.Role) ([]signal.Signal, error) {
	var out struct {
		Signals []signal.Signal `json:"signals"`
	}
	path := roomPath(room, "signals") + "?" + url.Values{"role": {string(role)}}.Encode()
	if err := s.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Signals, nil
}

func roomPath(room signal.RoomID, action string) string {
	return "/rooms/" + url.PathEscape(string(room)) + "/" + action
}

func (s *HTTPSignaling) do(ctx context.Context, method, path string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, &body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr signal.Error
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
