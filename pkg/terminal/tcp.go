package terminal

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creasty/defaults"
)

// ClientConfig holds connection settings for the TCP line-protocol
// client. Zero fields are filled with defaults.
type ClientConfig struct {
	ConnectTimeout time.Duration `default:"5s"`
	ReadTimeout    time.Duration `default:"10s"`
	WriteTimeout   time.Duration `default:"5s"`
	MaxBatch       int           `default:"5000"`
}

// TCPDialer dials attendance terminals speaking the line-based log
// export protocol:
//
//	> ATTLOG <unix-seconds> <seq>
//	< REC <local-user-id> <unix-seconds> <seq> <in|out|->
//	< ...
//	< END
//
//	> USERS
//	< USER <local-user-id> <name>
//	< ...
//	< END
type TCPDialer struct {
	cfg ClientConfig
}

// NewTCPDialer creates a dialer with defaults applied
func NewTCPDialer(cfg ClientConfig) (*TCPDialer, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply client defaults: %w", err)
	}
	return &TCPDialer{cfg: cfg}, nil
}

// Dial opens a session to the terminal at address ("host:port")
func (d *TCPDialer) Dial(ctx context.Context, address string) (Session, error) {
	dialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, address, err)
	}
	return &tcpSession{
		cfg:    d.cfg,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}, nil
}

type tcpSession struct {
	cfg    ClientConfig
	conn   net.Conn
	reader *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

// Close is safe to call multiple times and on every exit path
func (s *tcpSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *tcpSession) FetchSince(ctx context.Context, cursor Cursor) (*FetchResult, error) {
	cmd := fmt.Sprintf("ATTLOG %d %d\n", cursor.Timestamp.Unix(), cursor.Seq)
	if cursor.Timestamp.IsZero() {
		cmd = fmt.Sprintf("ATTLOG 0 %d\n", cursor.Seq)
	}
	if err := s.send(ctx, cmd); err != nil {
		return nil, err
	}

	result := &FetchResult{}
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: reading attlog: %v", ErrProtocol, err)
		}
		if line == "END" {
			return result, nil
		}
		if strings.HasPrefix(line, "ERR") {
			return nil, fmt.Errorf("%w: device error: %s", ErrProtocol, line)
		}

		punch, ok := parseRecord(line)
		if !ok {
			result.Malformed++
			continue
		}
		// Devices occasionally re-send already-acked history
		if !cursor.Before(Cursor{Timestamp: punch.Timestamp, Seq: punch.Seq}) {
			continue
		}
		result.Punches = append(result.Punches, punch)
		if s.cfg.MaxBatch > 0 && len(result.Punches) >= s.cfg.MaxBatch {
			return result, nil
		}
	}
}

func (s *tcpSession) ListUsers(ctx context.Context) ([]User, error) {
	if err := s.send(ctx, "USERS\n"); err != nil {
		return nil, err
	}

	var users []User
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: reading users: %v", ErrProtocol, err)
		}
		if line == "END" {
			return users, nil
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 2 || fields[0] != "USER" {
			return nil, fmt.Errorf("%w: unexpected line %q", ErrProtocol, line)
		}
		user := User{LocalUserID: fields[1]}
		if len(fields) == 3 {
			user.Name = fields[2]
		}
		users = append(users, user)
	}
}

// parseRecord parses "REC <uid> <unix> <seq> <dir>"
func parseRecord(line string) (RawPunch, bool) {
	fields := strings.Fields(line)
	if len(fields) != 5 || fields[0] != "REC" || fields[1] == "" {
		return RawPunch{}, false
	}
	unix, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return RawPunch{}, false
	}
	seq, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return RawPunch{}, false
	}
	dir := ""
	switch fields[4] {
	case "in", "out":
		dir = fields[4]
	case "-":
	default:
		return RawPunch{}, false
	}
	return RawPunch{
		LocalUserID: fields[1],
		Timestamp:   time.Unix(unix, 0).UTC(),
		Seq:         seq,
		Direction:   dir,
	}, true
}

func (s *tcpSession) send(ctx context.Context, cmd string) error {
	if err := s.conn.SetWriteDeadline(s.deadline(ctx, s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if _, err := s.conn.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("%w: write: %v", ErrUnreachable, err)
	}
	return nil
}

func (s *tcpSession) readLine(ctx context.Context) (string, error) {
	if err := s.conn.SetReadDeadline(s.deadline(ctx, s.cfg.ReadTimeout)); err != nil {
		return "", err
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// deadline returns the earlier of the context deadline and now+timeout
func (s *tcpSession) deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}
