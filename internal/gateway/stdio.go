package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/pkg/contracts"
	"github.com/toolplane/toolplane/pkg/models"
)

// StdioSession is the fixed session id for the stdio transport; one process
// serves exactly one client there.
const StdioSession = "stdio"

// maxLineBytes bounds a single JSON-RPC line on stdin.
const maxLineBytes = 8 << 20

// StdioServer speaks line-delimited JSON-RPC on a reader/writer pair,
// normally stdin/stdout. All logging goes to stderr so the protocol stream
// stays clean.
type StdioServer struct {
	gw  contracts.GatewayService
	in  io.Reader
	out io.Writer
	mu  sync.Mutex // serializes writes: replies and pushed notifications interleave
}

// NewStdioServer builds a stdio transport over a gateway. Pass os.Stdin and
// os.Stdout in production.
func NewStdioServer(gw contracts.GatewayService, in io.Reader, out io.Writer) *StdioServer {
	return &StdioServer{gw: gw, in: in, out: out}
}

// Run reads requests until EOF or ctx cancellation. Unparseable lines get a
// -32700 reply with a null id; notifications get none.
func (s *StdioServer) Run(ctx context.Context) error {
	// Forward server-initiated frames (task status notifications) too.
	pushes := s.gw.Subscribe(StdioSession)
	defer s.gw.Unsubscribe(StdioSession, pushes)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case frame, ok := <-pushes:
				if !ok {
					return
				}
				s.write(&frame)
			}
		}
	}()

	log.Info().Msg("stdio transport ready")

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req models.MCPRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(&models.MCPResponse{
				Jsonrpc: "2.0",
				Error:   &models.MCPError{Code: CodeParse, Message: "Parse error"},
				ID:      models.NullID,
			})
			continue
		}

		resp := s.gw.HandleJSONRPC(ctx, StdioSession, &req)
		if resp != nil {
			s.write(resp)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	log.Info().Msg("stdio transport closed (EOF)")
	return nil
}

func (s *StdioServer) write(frame *models.MCPResponse) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal outbound frame")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		log.Error().Err(err).Msg("Failed to write outbound frame")
	}
}
