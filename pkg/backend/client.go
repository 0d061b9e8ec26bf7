// Package backend talks to the field-operations REST backend: the beacon
// directory used to validate identities and the visit log that receives
// finished records.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Thomazoide/av-monitor/pkg/models"
)

// HTTPDoer describes the HTTP client used by the backend client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	baseURL string
	client  HTTPDoer
}

// NewClient returns a client for the backend at baseURL. A nil doer uses an
// http.Client with the given timeout.
func NewClient(baseURL string, timeout time.Duration, doer HTTPDoer) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  doer,
	}
}

type findByMACRequest struct {
	MAC string `json:"mac"`
}

type findByMACResponse struct {
	Data *struct {
		Zona *struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"zona"`
	} `json:"data"`
}

// Lookup resolves a beacon MAC to the zone it is installed in. Unknown
// beacons and beacons without a zone return nil, nil.
func (c *Client) Lookup(ctx context.Context, identity string) (*models.ZoneBinding, error) {
	resp, err := c.post(ctx, "/beacons/find-by-mac", findByMACRequest{MAC: identity})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, statusError("find-by-mac", resp)
	}

	var body findByMACResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode find-by-mac response: %w", err)
	}
	if body.Data == nil || body.Data.Zona == nil {
		return nil, nil
	}
	binding := &models.ZoneBinding{ZoneID: body.Data.Zona.ID, ZoneName: body.Data.Zona.Name}
	if !binding.IsBound() {
		return nil, nil
	}
	return binding, nil
}

type registroRequest struct {
	Fecha        string `json:"fecha"`
	IDZona       int64  `json:"id_zona"`
	HoraLlegada  string `json:"hora_llegada"`
	HoraSalida   string `json:"hora_salida"`
	SupervisorID int64  `json:"supervisor_id"`
}

// Save posts a finished visit to the visit log.
func (c *Client) Save(ctx context.Context, rec models.VisitRecord) error {
	resp, err := c.post(ctx, "/registros", registroRequest{
		Fecha:        rec.Date(),
		IDZona:       rec.ZoneID,
		HoraLlegada:  rec.ArrivalTime(),
		HoraSalida:   rec.DepartureTime(),
		SupervisorID: rec.ObserverID,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return statusError("registros", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s returned %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}
