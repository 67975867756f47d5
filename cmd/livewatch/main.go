// Package main watches the live location feed over a websocket. With -demo
// it opens a development session and reports a few points so there is
// something to see.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type event struct {
	Type string `json:"type"`
	Data struct {
		RiderID    string    `json:"rider_id"`
		Lat        float64   `json:"latitude"`
		Lng        float64   `json:"longitude"`
		RecordedAt time.Time `json:"recorded_at"`
	} `json:"data"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	host := flag.String("host", "localhost:"+port, "API host:port")
	token := flag.String("token", "watch:operator", "bearer token (dev format rider:role[:campaign])")
	campaign := flag.String("campaign", "", "only show this campaign")
	demo := flag.Bool("demo", false, "open a dev session for rider demo-1 and post points")
	flag.Parse()

	q := url.Values{"access_token": {*token}, "client_id": {"livewatch"}}
	u := url.URL{Scheme: "ws", Host: *host, Path: "/v1/live/ws", RawQuery: q.Encode()}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	pl, _ := json.Marshal(map[string]string{"campaign_id": *campaign})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			switch m.Type {
			case "ping":
				_ = c.WriteJSON(wsMessage{Type: "pong"})
			case "next":
				var evt event
				if err := json.Unmarshal(m.Payload, &evt); err != nil {
					log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
					continue
				}
				log.Printf("%s %s at %.5f,%.5f (%s)", evt.Type, evt.Data.RiderID, evt.Data.Lat, evt.Data.Lng, evt.Data.RecordedAt.Format(time.TimeOnly))
			default:
				log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
			}
		}
	}()

	if *demo {
		time.Sleep(500 * time.Millisecond)
		if err := runDemo("http://"+*host, *campaign); err != nil {
			log.Printf("demo: %v", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	select {
	case <-stop:
	case <-done:
	}
}

func runDemo(base, campaign string) error {
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")
	hdr.Set("X-Rider-Id", "demo-1")
	if err := post(base+"/v1/dev/sessions", hdr, map[string]string{"campaign_id": campaign}); err != nil {
		return err
	}
	lat, lng := -1.2921, 36.8219
	for i := 0; i < 5; i++ {
		p := map[string]any{"latitude": lat + float64(i)*0.0005, "longitude": lng + float64(i)*0.0003, "speed": 18 + i}
		if err := post(base+"/v1/locations", hdr, p); err != nil {
			return err
		}
		time.Sleep(300 * time.Millisecond)
	}
	return nil
}

func post(u string, hdr http.Header, body any) error {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, u, bytes.NewReader(b))
	req.Header = hdr.Clone()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: %s", u, resp.Status)
	}
	return nil
}
