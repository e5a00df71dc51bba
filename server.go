package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/richardartoul/artifactcache/pkg/archive"
	"github.com/richardartoul/artifactcache/pkg/cache"
)

// Cmd represents a serve protocol command type.
type Cmd string

const (
	CmdSave    = Cmd("save")
	CmdRestore = Cmd("restore")
	CmdClose   = Cmd("close")
)

// Request is one line of the serve protocol.
type Request struct {
	ID          int64
	Command     Cmd
	Paths       []string `json:",omitempty"`
	Key         string   `json:",omitempty"`
	RestoreKeys []string `json:",omitempty"`
	// Compression overrides the configured default when set.
	Compression *string `json:",omitempty"`
	CrossOS     bool    `json:",omitempty"`
	LookupOnly  bool    `json:",omitempty"`
}

// Response answers one Request.
type Response struct {
	ID            int64  `json:",omitempty"`
	Err           string `json:",omitempty"`
	KnownCommands []Cmd  `json:",omitempty"`
	EntryID       int64  `json:",omitempty"`
	Key           string `json:",omitempty"`
	Miss          bool   `json:",omitempty"`
}

// Server answers save and restore requests read as JSON lines, so a build
// driver can keep one process open for many cache operations.
type Server struct {
	store       *cache.Store
	compression archive.Method
	crossOS     bool
	scanner     *bufio.Scanner
	writer      *bufio.Writer
}

// NewServer creates a server reading requests from r and writing responses to w.
// compression and crossOS are the defaults for requests that do not set them.
func NewServer(store *cache.Store, compression archive.Method, crossOS bool, r io.Reader, w io.Writer) *Server {
	scanner := bufio.NewScanner(r)
	// Requests carry path and key lists only, but allow long key lists.
	const maxScanTokenSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	return &Server{
		store:       store,
		compression: compression,
		crossOS:     crossOS,
		scanner:     scanner,
		writer:      bufio.NewWriter(w),
	}
}

// SendResponse writes a response line.
func (s *Server) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}

	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return s.writer.Flush()
}

// SendInitialResponse sends the initial response with capabilities.
func (s *Server) SendInitialResponse() error {
	return s.SendResponse(Response{
		ID:            0,
		KnownCommands: []Cmd{CmdSave, CmdRestore, CmdClose},
	})
}

// ReadRequest reads the next non-empty request line.
func (s *Server) ReadRequest() (*Request, error) {
	var line string
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read request: %w", err)
			}
			return nil, io.EOF
		}

		line = s.scanner.Text()
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, line)
	}
	return &req, nil
}

// HandleRequest processes a single request and sends a response.
func (s *Server) HandleRequest(ctx context.Context, req *Request) error {
	var resp Response
	resp.ID = req.ID

	method := s.compression
	if req.Compression != nil {
		m, err := archive.ParseMethod(*req.Compression)
		if err != nil {
			resp.Err = err.Error()
			return s.SendResponse(resp)
		}
		method = m
	}
	crossOS := s.crossOS || req.CrossOS

	switch req.Command {
	case CmdSave:
		id, err := s.store.Save(ctx, req.Paths, req.Key, cache.SaveOptions{
			Compression:          method,
			EnableCrossOSArchive: crossOS,
		})
		if err != nil {
			resp.Err = err.Error()
		}
		resp.EntryID = int64(id)

	case CmdRestore:
		key, err := s.store.Restore(ctx, req.Paths, req.Key, cache.RestoreOptions{
			RestoreKeys:          req.RestoreKeys,
			Compression:          method,
			EnableCrossOSArchive: crossOS,
			LookupOnly:           req.LookupOnly,
		})
		if err != nil {
			resp.Err = err.Error()
		} else {
			resp.Key = key
			resp.Miss = key == ""
		}

	case CmdClose:
		// Will exit after sending response

	default:
		resp.Err = fmt.Sprintf("unknown command: %s", req.Command)
	}

	return s.SendResponse(resp)
}

// Run processes requests until close or end of input.
func (s *Server) Run(ctx context.Context) error {
	if err := s.SendInitialResponse(); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := s.ReadRequest()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read request: %w", err)
		}

		if err := s.HandleRequest(ctx, req); err != nil {
			return fmt.Errorf("failed to handle request: %w", err)
		}

		if req.Command == CmdClose {
			break
		}
	}

	return nil
}
