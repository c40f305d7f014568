package cmd

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// The control socket speaks one request line and one response line per connection:
//
//	stats                       -> OK|<stats>
//	shutdown|<reason>|<RFC3339> -> OK|Shutting down
//	anything else               -> ERROR|Unknown command
type controlSocket struct {
	path     string
	listener net.Listener
	stats    func() string
	shutdown func(reason string, until time.Time)
	log      *slog.Logger
}

func startControlSocket(path string, stats func() string, shutdown func(string, time.Time), log *slog.Logger) (*controlSocket, error) {
	// Remove a socket left over from a previous run
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	c := &controlSocket{path: path, listener: listener, stats: stats, shutdown: shutdown, log: log}
	log.Info("Control socket listening", "path", path)
	go c.serve()
	return c, nil
}

func (c *controlSocket) serve() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.log.Debug("Control accept failed", "error", err)
			continue
		}
		go c.handle(conn)
	}
}

func (c *controlSocket) Close() error {
	err := c.listener.Close()
	os.Remove(c.path)
	return err
}

func (c *controlSocket) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	response, after := c.dispatch(strings.TrimSpace(line))
	conn.Write([]byte(response + "\n"))
	if after != nil {
		after()
	}
}

// dispatch returns the response line and an action to run once it has been written.
func (c *controlSocket) dispatch(line string) (string, func()) {
	parts := strings.SplitN(line, "|", 3)

	switch parts[0] {
	case "stats":
		return "OK|" + c.stats(), nil

	case "shutdown":
		reason := "maintenance"
		var until time.Time
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			t, err := time.Parse(time.RFC3339, parts[2])
			if err != nil {
				return "ERROR|Invalid completion time", nil
			}
			until = t
		}
		c.log.Info("Shutdown requested over control socket", "reason", reason, "until", until)
		return "OK|Shutting down", func() { c.shutdown(reason, until) }

	default:
		return "ERROR|Unknown command", nil
	}
}

// sendControlCommand sends one command line to the control socket at path and returns
// the response without its status prefix.
func sendControlCommand(path, command string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", err
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSpace(line)

	if msg, ok := strings.CutPrefix(line, "ERROR|"); ok {
		return "", errors.New(msg)
	}
	msg, _ := strings.CutPrefix(line, "OK|")
	return msg, nil
}
