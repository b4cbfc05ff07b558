// Package admin provides a loopback command socket for operating a running
// monitor.
package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
	"github.com/aditya/fimwatch/pkg/supervisor"
	"github.com/sirupsen/logrus"
)

// Supervisor is the subset of supervisor operations the admin server exposes.
type Supervisor interface {
	Status() map[string]model.RootState
	GetBaseline(root string) (map[string]map[string]model.BaselineItem, error)
	GetRecentLogs(root string, limit int) ([]model.LogEntry, error)
	Scan(ctx context.Context, root string) (model.ScanReport, error)
	ResetBaseline(ctx context.Context, username string, roots []string) error
	Backup(ctx context.Context, root, username string) (*model.BackupRecord, error)
	Restore(ctx context.Context, backupID, destination, username string) (*model.RestoreResult, error)
	ListBackups(root string) ([]model.BackupRecord, error)
	CleanupBackups(ctx context.Context, olderThan time.Duration) (int, error)
}

var _ Supervisor = (*supervisor.Supervisor)(nil)

const (
	// Admin commands
	StatusCmd   = "STATUS"
	BaselineCmd = "BASELINE"
	LogsCmd     = "LOGS"
	ScanCmd     = "SCAN"
	ResetCmd    = "RESET"
	BackupCmd   = "BACKUP"
	BackupsCmd  = "BACKUPS"
	RestoreCmd  = "RESTORE"
	CleanupCmd  = "CLEANUP"

	// DefaultCommandTimeout bounds a single command.
	DefaultCommandTimeout = 5 * time.Minute

	defaultLogLimit = 50
	adminUser       = "admin"
)

// Server answers one newline-terminated command per connection with either
// "OK <json>" or "ERROR: <message>".
type Server struct {
	sup     Supervisor
	logger  *logrus.Logger
	port    int
	timeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a new admin server instance.
func NewServer(sup Supervisor, port int, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}

	return &Server{
		sup:     sup,
		port:    port,
		logger:  logger,
		timeout: DefaultCommandTimeout,
	}
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start begins listening for admin connections on the loopback interface.
// Port 0 picks a free port.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("starting admin server: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Infof("🔧 Admin server listening on %s", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.WithError(err).Warn("Failed to accept admin connection")
				continue
			}

			go s.handleConnection(conn)
		}
	}()

	return nil
}

// Stop closes the listener and waits for the accept loop to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	if listener == nil {
		return nil
	}
	err := listener.Close()
	s.wg.Wait()
	return err
}

// handleConnection processes a single admin connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, 4096)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		s.logger.WithError(err).Debug("Failed to read from admin connection")
		return
	}

	s.writeResponse(conn, s.Execute(strings.TrimSpace(line)))
}

// Execute runs one command line and returns the response line.
func (s *Server) Execute(command string) string {
	parts, err := splitArgs(command)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	if len(parts) == 0 {
		return "ERROR: Empty command"
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	args := parts[1:]
	var result any

	switch strings.ToUpper(parts[0]) {
	case StatusCmd:
		result = s.sup.Status()
	case BaselineCmd:
		result, err = s.sup.GetBaseline(optional(args, 0))
	case LogsCmd:
		result, err = s.handleLogs(args)
	case ScanCmd:
		if len(args) != 1 {
			return "ERROR: Usage: SCAN <root>"
		}
		result, err = s.sup.Scan(ctx, args[0])
	case ResetCmd:
		if len(args) == 0 {
			return "ERROR: Usage: RESET <root> [root...]"
		}
		err = s.sup.ResetBaseline(ctx, adminUser, args)
		result = map[string]any{"reset": args}
	case BackupCmd:
		if len(args) == 0 || len(args) > 2 {
			return "ERROR: Usage: BACKUP <root> [user]"
		}
		result, err = s.sup.Backup(ctx, args[0], userOr(args, 1))
	case BackupsCmd:
		result, err = s.sup.ListBackups(optional(args, 0))
	case RestoreCmd:
		if len(args) == 0 || len(args) > 3 {
			return "ERROR: Usage: RESTORE <backup-id> [destination] [user]"
		}
		result, err = s.sup.Restore(ctx, args[0], optional(args, 1), userOr(args, 2))
	case CleanupCmd:
		if len(args) != 1 {
			return "ERROR: Usage: CLEANUP <older-than>"
		}
		olderThan, perr := time.ParseDuration(args[0])
		if perr != nil {
			return fmt.Sprintf("ERROR: invalid duration %q", args[0])
		}
		var removed int
		removed, err = s.sup.CleanupBackups(ctx, olderThan)
		result = map[string]int{"removed": removed}
	default:
		return "ERROR: Unknown command"
	}

	if err != nil {
		s.logger.WithError(err).WithField("command", parts[0]).Warn("Admin command failed")
		return fmt.Sprintf("ERROR: %v", err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("ERROR: encoding response: %v", err)
	}
	s.logger.WithField("command", parts[0]).Debug("Admin command completed")
	return "OK " + string(data)
}

func (s *Server) handleLogs(args []string) ([]model.LogEntry, error) {
	root, limit := "", defaultLogLimit
	for _, arg := range args {
		if n, err := strconv.Atoi(arg); err == nil {
			limit = n
			continue
		}
		if arg != "-" {
			root = arg
		}
	}
	return s.sup.GetRecentLogs(root, limit)
}

// optional returns args[i], or "" when it is absent or the "-" placeholder.
func optional(args []string, i int) string {
	if i < len(args) && args[i] != "-" {
		return args[i]
	}
	return ""
}

// splitArgs splits a command line on whitespace. Arguments may be written as
// Go-quoted strings to carry spaces.
func splitArgs(line string) ([]string, error) {
	var args []string
	for i := 0; i < len(line); {
		switch {
		case line[i] == ' ' || line[i] == '\t':
			i++
		case line[i] == '"':
			j := i + 1
			for j < len(line) && line[j] != '"' {
				if line[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(line) {
				return nil, errors.New("unterminated quoted argument")
			}
			arg, err := strconv.Unquote(line[i : j+1])
			if err != nil {
				return nil, fmt.Errorf("invalid quoted argument: %w", err)
			}
			args = append(args, arg)
			i = j + 1
		default:
			j := i
			for j < len(line) && line[j] != ' ' && line[j] != '\t' {
				j++
			}
			args = append(args, line[i:j])
			i = j
		}
	}
	return args, nil
}

func userOr(args []string, i int) string {
	if u := optional(args, i); u != "" {
		return u
	}
	return adminUser
}

// writeResponse writes a response to an admin connection.
func (s *Server) writeResponse(conn net.Conn, response string) {
	if _, err := conn.Write([]byte(response + "\n")); err != nil {
		s.logger.WithError(err).Warn("Failed to write admin response")
	}
}
