package api

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
)

// Сервер только отправляет кадры. Входящие кадры клиента читаются и
// отбрасываются, чтобы заметить закрытие соединения.

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	opText  byte = 0x1
	opClose byte = 0x8
)

var (
	errNotUpgrade  = errors.New("upgrade request expected")
	errMissingKey  = errors.New("missing Sec-WebSocket-Key")
	errNoHijacking = errors.New("http hijacking not supported")

	// errHijacked помечает ошибки после Hijack: отвечать через ResponseWriter уже нельзя.
	errHijacked = errors.New("websocket handshake")
)

// upgradeWebSocket проверяет рукопожатие, забирает соединение у net/http и
// отвечает 101. При ошибке до Hijack ответ ещё можно написать в w.
func upgradeWebSocket(w http.ResponseWriter, r *http.Request) (net.Conn, *bufio.ReadWriter, error) {
	if !headerContains(r.Header, "Connection", "Upgrade") || !headerContains(r.Header, "Upgrade", "websocket") {
		return nil, nil, errNotUpgrade
	}
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		return nil, nil, errMissingKey
	}
	conn, rw, err := http.NewResponseController(w).Hijack()
	if errors.Is(err, http.ErrNotSupported) {
		return nil, nil, errNoHijacking
	}
	if err != nil {
		return nil, nil, err
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + computeAcceptKey(key) + "\r\n\r\n")
	if _, err = rw.WriteString(b.String()); err == nil {
		err = rw.Flush()
	}
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: %w", errHijacked, err)
	}
	return conn, rw, nil
}

func computeAcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// headerContains ищет токен в списке значений заголовка без учёта регистра.
func headerContains(h http.Header, name, token string) bool {
	for _, line := range h.Values(name) {
		for part := range strings.SplitSeq(line, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// appendFrame дописывает в dst немаскированный кадр с флагом FIN.
func appendFrame(dst []byte, opcode byte, payload []byte) []byte {
	dst = append(dst, 0x80|opcode)
	switch n := len(payload); {
	case n < 126:
		dst = append(dst, byte(n))
	case n <= math.MaxUint16:
		dst = append(dst, 126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, 127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	return append(dst, payload...)
}

func writeFrame(w *bufio.Writer, opcode byte, payload []byte) error {
	if _, err := w.Write(appendFrame(nil, opcode, payload)); err != nil {
		return err
	}
	return w.Flush()
}
