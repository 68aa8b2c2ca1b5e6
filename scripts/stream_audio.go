// stream_audio plays the room layer against a running captiond: it dials
// the ingest endpoint, announces one participant, streams a raw PCM file
// paced at real time, and prints the caption events coming back.
//
//	go run ./scripts/stream_audio.go -url=ws://localhost:8080/ingest -file=audio.raw
//
// The file must match the configured upstream encoding (linear16 mono
// 16kHz by default, 32 bytes per millisecond).
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type clientEvent struct {
	Event string         `json:"event"`
	Start map[string]any `json:"start,omitempty"`
	Media map[string]any `json:"media,omitempty"`
	Stop  map[string]any `json:"stop,omitempty"`
}

type serverEvent struct {
	Event   string `json:"event"`
	Caption *struct {
		Text       string  `json:"text"`
		IsFinal    bool    `json:"is_final"`
		Confidence float64 `json:"confidence"`
	} `json:"caption,omitempty"`
	Error *struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Ended *struct {
		Reason string `json:"reason"`
	} `json:"ended,omitempty"`
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ingest", "")
	file := flag.String("file", "", "")
	callID := flag.String("call", "local-call", "")
	participantID := flag.String("participant", "local-participant", "")
	participantName := flag.String("name", "Tester", "")
	frameMS := flag.Int("frame_ms", 100, "")
	sampleRate := flag.Int("sample_rate", 16000, "")
	flag.Parse()
	if *file == "" {
		fmt.Println("usage: stream_audio -file=audio.raw [-url=ws://host:port/ingest]")
		os.Exit(1)
	}

	f, err := os.Open(*file)
	if err != nil {
		fmt.Println("open audio:", err)
		os.Exit(1)
	}
	defer f.Close()

	ws, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		fmt.Println("dial ingest:", err)
		os.Exit(1)
	}
	defer ws.Close()

	done := make(chan struct{})
	go printEvents(ws, done)

	send(ws, clientEvent{Event: "start", Start: map[string]any{
		"call_id":          *callID,
		"room_name":        "stream-audio",
		"participant_id":   *participantID,
		"participant_name": *participantName,
	}})

	// linear16 is 2 bytes per sample.
	frameBytes := (*sampleRate * 2 * *frameMS) / 1000
	buf := make([]byte, frameBytes)
	ticker := time.NewTicker(time.Duration(*frameMS) * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			send(ws, clientEvent{Event: "media", Media: map[string]any{
				"call_id":        *callID,
				"participant_id": *participantID,
				"payload":        base64.StdEncoding.EncodeToString(buf[:n]),
			}})
		}
		if err != nil {
			break
		}
	}

	// Leave the session open briefly so trailing finals arrive.
	time.Sleep(2 * time.Second)
	send(ws, clientEvent{Event: "stop", Stop: map[string]any{
		"call_id":        *callID,
		"participant_id": *participantID,
	}})
	time.Sleep(500 * time.Millisecond)
	ws.Close()
	<-done
}

func send(ws *websocket.Conn, evt clientEvent) {
	if err := ws.WriteJSON(evt); err != nil {
		fmt.Println("write error:", err)
		os.Exit(1)
	}
}

func printEvents(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var evt serverEvent
		if json.Unmarshal(data, &evt) != nil {
			continue
		}
		switch evt.Event {
		case "caption":
			if evt.Caption == nil {
				continue
			}
			marker := " "
			if evt.Caption.IsFinal {
				marker = "*"
			}
			fmt.Printf("%s [%.2f] %s\n", marker, evt.Caption.Confidence, evt.Caption.Text)
		case "error":
			if evt.Error != nil {
				fmt.Printf("error: %s (%s)\n", evt.Error.Message, evt.Error.Reason)
			}
		case "session_ended":
			if evt.Ended != nil {
				fmt.Println("session ended:", evt.Ended.Reason)
			}
		}
	}
}
