package tftpd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pin/tftp/v3"
	"github.com/rs/zerolog"

	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/metrics"
)

var (
	// ErrPathEscapesRoot is returned when a canonicalized request path
	// falls outside the served root (TFTP access violation).
	ErrPathEscapesRoot = errors.New("access violation: path escapes root")
	// ErrWriteNotSupported is returned for WRQ; the server is read-only.
	ErrWriteNotSupported = errors.New("writes not supported")
)

const transferTimeout = 10 * time.Second

// Server is a read-only TFTP server rooted at a filesystem subtree.
// Symlinks are followed during canonicalization, so per-node Raspberry
// Pi directories may link to shared firmware inside the root.
type Server struct {
	root   string
	addr   string
	srv    *tftp.Server
	logger zerolog.Logger
}

// NewServer creates a TFTP server serving files under root.
func NewServer(root, addr string) *Server {
	s := &Server{
		root:   root,
		addr:   addr,
		logger: log.WithComponent("tftp"),
	}
	srv := tftp.NewServer(s.readHandler, s.writeHandler)
	srv.SetTimeout(transferTimeout)
	s.srv = srv
	return s
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Str("root", s.root).Msg("tftp listening")
		errCh <- s.srv.ListenAndServe(s.addr)
	}()

	select {
	case <-ctx.Done():
		s.srv.Shutdown()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("tftp server: %w", err)
		}
		return nil
	}
}

// Resolve canonicalizes a requested filename under the root, following
// symlinks, and refuses results that escape it.
func (s *Server) Resolve(filename string) (string, error) {
	cleaned := filepath.Join(s.root, filepath.Clean("/"+filename))

	rootReal, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}

	real, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", filename, os.ErrNotExist)
		}
		return "", err
	}

	if real != rootReal && !strings.HasPrefix(real, rootReal+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", filename, ErrPathEscapesRoot)
	}
	return real, nil
}

// readHandler serves one RRQ. Each transfer is an independent flow; the
// only shared state is the log sink and metrics.
func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	logger := s.logger.With().Str("file", filename).Logger()
	if ot, ok := rf.(tftp.OutgoingTransfer); ok {
		raddr := ot.RemoteAddr()
		logger = logger.With().Str("client", raddr.String()).Logger()
	}
	logger.Info().Msg("read request")

	path, err := s.Resolve(filename)
	if err != nil {
		metrics.TFTPTransfersTotal.WithLabelValues("refused").Inc()
		logger.Warn().Err(err).Msg("request refused")
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		metrics.TFTPTransfersTotal.WithLabelValues("error").Inc()
		logger.Warn().Err(err).Msg("open failed")
		return err
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil {
		if ot, ok := rf.(tftp.OutgoingTransfer); ok {
			ot.SetSize(fi.Size())
		}
	}

	n, err := rf.ReadFrom(f)
	if err != nil {
		metrics.TFTPTransfersTotal.WithLabelValues("aborted").Inc()
		logger.Warn().Err(err).Int64("bytes", n).Msg("transfer aborted")
		return err
	}

	metrics.TFTPTransfersTotal.WithLabelValues("ok").Inc()
	logger.Info().Int64("bytes", n).Msg("transfer complete")
	return nil
}

// writeHandler refuses WRQ; the server is read-only.
func (s *Server) writeHandler(filename string, _ io.WriterTo) error {
	metrics.TFTPTransfersTotal.WithLabelValues("refused").Inc()
	s.logger.Warn().Str("file", filename).Msg("write request refused")
	return ErrWriteNotSupported
}
