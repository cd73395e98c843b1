package redisstub

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// Clients probe the server with HELLO and CLIENT SETINFO before issuing real
// commands. The stub has to answer both without dropping the connection so
// the RESP2 fallback handshake can complete.
func TestHandshakeCommandsKeepConnectionOpen(t *testing.T) {
	srv, err := Start(Options{})
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	defer srv.Close()

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial stub: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	sendCommand(t, conn, "HELLO", "3")
	reply := readLine(t, reader)
	if !strings.HasPrefix(reply, "-ERR") {
		t.Fatalf("HELLO reply = %q, want error reply", reply)
	}

	sendCommand(t, conn, "CLIENT", "SETINFO", "lib-name", "go-redis")
	if reply := readLine(t, reader); reply != "+OK" {
		t.Fatalf("CLIENT SETINFO reply = %q, want +OK", reply)
	}

	// The same connection must still serve ordinary commands.
	sendCommand(t, conn, "PING")
	if reply := readLine(t, reader); reply != "+PONG" {
		t.Fatalf("PING reply = %q, want +PONG", reply)
	}
}

func sendCommand(t *testing.T, conn net.Conn, args ...string) {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(args))
	for _, arg := range args {
		fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(arg), arg)
	}
	if _, err := conn.Write([]byte(b.String())); err != nil {
		t.Fatalf("write %v: %v", args, err)
	}
}

func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}
