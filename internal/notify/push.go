package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// PushNotifier posts state updates to a push-delivery endpoint so the user
// hears about guide decisions even with the app backgrounded. Best-effort:
// delivery failures never affect the booking flow.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushNotifier) StateChanged(u StateUpdate) {
	body := map[string]any{"message": map[string]any{"data": u}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	if resp, err := p.Client.Do(req); err == nil {
		resp.Body.Close()
	}
}
