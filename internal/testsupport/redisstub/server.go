// Package redisstub runs a minimal in-process Redis server speaking just
// enough RESP for the stream commands the job queue issues. Tests use it so
// queue behaviour is exercised without a real Redis instance.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string]*stream
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type stream struct {
	entries []entry
	groups  map[string]*groupState
}

type entry struct {
	id     string
	values map[string]string
}

type groupState struct {
	nextIndex int
	pending   map[string]time.Time
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:    opts,
		streams: make(map[string]*stream),
		closed:  make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, keyPEM, cert, genErr := generateSelfSignedCert()
		if genErr != nil {
			return nil, genErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// StreamLen reports how many entries a stream holds, counting entries that
// were already delivered. Tests use it to assert dead-letter publication.
func (s *Server) StreamLen(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return 0
	}
	return len(strm.entries)
}

// PendingLen reports how many delivered-but-unacknowledged entries a group
// holds.
func (s *Server) PendingLen(streamName, group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return 0
	}
	state, ok := strm.groups[group]
	if !ok {
		return 0
	}
	return len(state.pending)
}

// AgePending backdates every pending entry in the group so XAUTOCLAIM
// considers it idle.
func (s *Server) AgePending(streamName, group string, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return
	}
	state, ok := strm.groups[group]
	if !ok {
		return
	}
	past := time.Now().Add(-age)
	for id := range state.pending {
		state.pending[id] = past
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			writeError(writer, "ERR wrong number of arguments")
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "HELLO":
			// No RESP3 support; an error reply makes clients fall back to
			// RESP2 and authenticate with a separate AUTH command.
			if err := writeError(writer, "ERR unknown command 'HELLO'"); err != nil {
				return
			}
		case "CLIENT":
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		case "PING":
			if err := writeSimpleString(writer, "PONG"); err != nil {
				return
			}
		case "AUTH":
			password := ""
			switch len(args) {
			case 2:
				password = args[1]
			case 3:
				password = args[2]
			default:
				if err := writeError(writer, "ERR wrong number of arguments for 'auth'"); err != nil {
					return
				}
				continue
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				if err := writeSimpleString(writer, "OK"); err != nil {
					return
				}
			} else if err := writeError(writer, "WRONGPASS invalid username-password pair"); err != nil {
				return
			}
		case "SELECT":
			if err := writeSimpleString(writer, "OK"); err != nil {
				return
			}
		default:
			if !authenticated {
				if err := writeError(writer, "NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if !s.dispatch(writer, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) bool {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "XADD":
		if len(args) < 5 {
			_ = writeError(writer, "ERR wrong number of arguments for 'xadd'")
			return false
		}
		name := args[1]
		id := args[2]
		if id == "*" {
			id = fmt.Sprintf("%d-0", time.Now().UnixNano())
		}
		values := make(map[string]string)
		for i := 3; i+1 < len(args); i += 2 {
			values[args[i]] = args[i+1]
		}
		s.mu.Lock()
		strm := s.ensureStream(name)
		strm.entries = append(strm.entries, entry{id: id, values: values})
		s.mu.Unlock()
		return writeBulkString(writer, id) == nil
	case "XGROUP":
		if len(args) < 5 {
			_ = writeError(writer, "ERR wrong number of arguments for 'xgroup'")
			return false
		}
		if strings.ToUpper(args[1]) != "CREATE" {
			_ = writeError(writer, "ERR only CREATE supported")
			return false
		}
		name := args[2]
		group := args[3]
		s.mu.Lock()
		strm := s.ensureStream(name)
		if _, exists := strm.groups[group]; exists {
			s.mu.Unlock()
			_ = writeError(writer, "BUSYGROUP Consumer Group name already exists")
			return false
		}
		strm.groups[group] = &groupState{pending: make(map[string]time.Time)}
		s.mu.Unlock()
		return writeSimpleString(writer, "OK") == nil
	case "XREADGROUP":
		return s.handleXReadGroup(writer, args)
	case "XAUTOCLAIM":
		return s.handleXAutoClaim(writer, args)
	case "XACK":
		if len(args) < 4 {
			_ = writeError(writer, "ERR wrong number of arguments for 'xack'")
			return false
		}
		acked := s.ack(args[1], args[2], args[3:])
		return writeInteger(writer, int64(acked)) == nil
	default:
		_ = writeError(writer, "ERR unsupported command")
		return false
	}
}

func (s *Server) ensureStream(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*groupState)}
		s.streams[name] = strm
	}
	return strm
}

func (s *Server) handleXReadGroup(writer *bufio.Writer, args []string) bool {
	if len(args) < 6 {
		_ = writeError(writer, "ERR wrong number of arguments for 'xreadgroup'")
		return false
	}
	var group, name string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			group = args[i+1]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				_ = writeError(writer, "ERR invalid COUNT")
				return false
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				_ = writeError(writer, "ERR invalid BLOCK")
				return false
			}
			blockMs = v
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				_ = writeError(writer, "ERR syntax error")
				return false
			}
			name = args[i+1]
			i = len(args)
		}
	}
	if name == "" || group == "" {
		_ = writeError(writer, "ERR missing stream or group")
		return false
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		items := s.readGroup(name, group, count)
		if len(items) > 0 {
			return writeArray(writer, []interface{}{items}) == nil
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			return writeBulkNil(writer) == nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (s *Server) readGroup(name, group string, count int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(name)
	state, ok := strm.groups[group]
	if !ok {
		state = &groupState{pending: make(map[string]time.Time)}
		strm.groups[group] = state
	}
	start := state.nextIndex
	if start >= len(strm.entries) {
		return nil
	}
	end := start + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]interface{}, 0, end-start)
	now := time.Now()
	for i := start; i < end; i++ {
		e := strm.entries[i]
		state.pending[e.id] = now
		records = append(records, []interface{}{e.id, flatten(e.values)})
	}
	state.nextIndex = end
	return []interface{}{name, records}
}

func (s *Server) handleXAutoClaim(writer *bufio.Writer, args []string) bool {
	if len(args) < 6 {
		_ = writeError(writer, "ERR wrong number of arguments for 'xautoclaim'")
		return false
	}
	name := args[1]
	group := args[2]
	minIdleMs, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		_ = writeError(writer, "ERR invalid min-idle-time")
		return false
	}
	count := 100
	for i := 6; i+1 < len(args); i++ {
		if strings.ToUpper(args[i]) == "COUNT" {
			if v, err := strconv.Atoi(args[i+1]); err == nil {
				count = v
			}
		}
	}

	s.mu.Lock()
	strm := s.ensureStream(name)
	state, ok := strm.groups[group]
	var records []interface{}
	if ok {
		cutoff := time.Now().Add(-time.Duration(minIdleMs) * time.Millisecond)
		now := time.Now()
		for _, e := range strm.entries {
			if len(records) >= count {
				break
			}
			deliveredAt, pending := state.pending[e.id]
			if !pending || deliveredAt.After(cutoff) {
				continue
			}
			state.pending[e.id] = now
			records = append(records, []interface{}{e.id, flatten(e.values)})
		}
	}
	s.mu.Unlock()
	return writeArray(writer, []interface{}{"0-0", records, []interface{}{}}) == nil
}

func flatten(values map[string]string) []interface{} {
	out := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		out = append(out, k, v)
	}
	return out
}

func (s *Server) ack(name, group string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return 0
	}
	state, ok := strm.groups[group]
	if !ok {
		return 0
	}
	count := 0
	for _, id := range ids {
		if _, exists := state.pending[id]; exists {
			delete(state.pending, id)
			count++
		}
	}
	return count
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1", "localhost"},
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := r.Read(buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if err := writeBulkStringRaw(w, v); err != nil {
				return err
			}
		case []byte:
			if err := writeBulkBytesRaw(w, v); err != nil {
				return err
			}
		case int64:
			if err := writeIntegerRaw(w, v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArrayRaw(w, v); err != nil {
				return err
			}
		default:
			if err := writeBulkStringRaw(w, fmt.Sprint(v)); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeBulkStringRaw(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func writeBulkBytesRaw(w *bufio.Writer, value []byte) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n", len(value)); err != nil {
		return err
	}
	if _, err := w.Write(value); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

func writeIntegerRaw(w *bufio.Writer, value int64) error {
	_, err := fmt.Fprintf(w, ":%d\r\n", value)
	return err
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
