package main

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const maxFrameSize = 16 << 20

// wsMessage повторяет сообщение /api/v1/ws/changes.
type wsMessage struct {
	Type     string          `json:"type"`
	ClientID string          `json:"client_id"`
	Dataset  string          `json:"dataset"`
	Feed     string          `json:"feed"`
	Kind     string          `json:"kind"`
	Record   json.RawMessage `json:"record"`
}

func main() {
	var (
		raw     bool
		limit   int
		urlStr  string
		token   string
		dataset string
	)
	flag.StringVar(&urlStr, "url", "ws://127.0.0.1:8080/api/v1/ws/changes", "WebSocket URL of the aquaalert server")
	flag.StringVar(&token, "token", "", "access token (sent as access_token query parameter)")
	flag.StringVar(&dataset, "dataset", "", "subscribe only to this dataset (sensors or alerts)")
	flag.BoolVar(&raw, "raw", false, "print raw JSON messages")
	flag.IntVar(&limit, "limit", 0, "stop after N change messages (0 = infinite)")
	flag.Parse()

	u, err := url.Parse(urlStr)
	if err != nil {
		log.Fatalf("invalid url: %v", err)
	}
	if u.Scheme != "ws" {
		log.Fatalf("url must start with ws://")
	}
	q := u.Query()
	if token != "" {
		q.Set("access_token", token)
	}
	if dataset != "" {
		q.Set("dataset", dataset)
	}
	u.RawQuery = q.Encode()
	addr := u.Host
	if !strings.Contains(addr, ":") {
		addr += ":80"
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	reader, err := sendHandshake(conn, u)
	if err != nil {
		log.Fatalf("handshake: %v", err)
	}
	log.Printf("connected to %s", u.Host+u.Path)

	changesSeen := 0
	for {
		op, payload, err := readFrame(reader)
		if err != nil {
			if err == io.EOF {
				log.Println("connection closed by peer")
				return
			}
			log.Fatalf("read frame: %v", err)
		}
		if op == 0x8 { // close frame
			log.Println("received close frame")
			return
		}
		if op != 0x1 {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("invalid json: %v", err)
			continue
		}
		if raw {
			fmt.Println(string(payload))
		}

		switch msg.Type {
		case "hello":
			log.Printf("hello: client_id=%s", msg.ClientID)
		case "reset":
			log.Printf("reset: %s/%s reloaded", msg.Dataset, msg.Feed)
		case "change":
			changesSeen++
			if !raw {
				log.Printf("%s %s/%s: %s", msg.Kind, msg.Dataset, msg.Feed, summarize(msg.Record))
			}
			if limit > 0 && changesSeen >= limit {
				log.Printf("limit reached (%d changes), exiting", limit)
				return
			}
		default:
			log.Printf("message type=%s (ignored)", msg.Type)
		}
	}
}

// summarize выводит id и пару узнаваемых полей записи.
func summarize(rec json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(rec, &fields); err != nil {
		return string(rec)
	}
	parts := []string{fmt.Sprintf("id=%v", fields["id"])}
	for _, key := range []string{"name", "title", "severity", "sensor_id", "ph"} {
		if v, ok := fields[key]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		}
	}
	return strings.Join(parts, " ")
}

// sendHandshake отправляет запрос Upgrade и проверяет Sec-WebSocket-Accept.
func sendHandshake(conn net.Conn, u *url.URL) (*bufio.Reader, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	key := base64.StdEncoding.EncodeToString(nonce)

	httpURL := *u
	httpURL.Scheme = "http"
	req, err := http.NewRequest(http.MethodGet, httpURL.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", key)
	if err := req.Write(conn); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	sum := sha1.Sum([]byte(key + "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"))
	if resp.Header.Get("Sec-WebSocket-Accept") != base64.StdEncoding.EncodeToString(sum[:]) {
		return nil, errors.New("handshake failed: Sec-WebSocket-Accept mismatch")
	}
	return reader, nil
}

// readFrame читает один немаскированный кадр сервера: опкод и полезную нагрузку.
func readFrame(r *bufio.Reader) (byte, []byte, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, nil, err
	}
	if head[1]&0x80 != 0 {
		return 0, nil, errors.New("server sent masked frame")
	}
	var n uint64
	switch size := head[1] & 0x7f; size {
	case 126, 127:
		ext := make([]byte, 2)
		if size == 127 {
			ext = make([]byte, 8)
		}
		if _, err := io.ReadFull(r, ext); err != nil {
			return 0, nil, err
		}
		if size == 126 {
			n = uint64(binary.BigEndian.Uint16(ext))
		} else {
			n = binary.BigEndian.Uint64(ext)
		}
	default:
		n = uint64(size)
	}
	if n > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return head[0] & 0x0f, payload, nil
}
