package mcp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/shaharia-lab/mcpcore/observability"
)

// maxFrameSize bounds a single newline-delimited envelope.
const maxFrameSize = 1024 * 1024

// StreamTransport frames one envelope per newline-terminated line over an
// arbitrary reader/writer pair. It backs the stdio transports on both the
// client and server side.
type StreamTransport struct {
	writer   io.Writer
	incoming chan *Message
	logger   observability.Logger

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool

	closeFn func() error
}

// NewStreamTransport creates a transport over the given streams and starts
// its read loop. The returned transport owns neither stream; pass a closeFn
// via StdIOTransport when the underlying handles need cleanup.
func NewStreamTransport(r io.Reader, w io.Writer, logger observability.Logger) *StreamTransport {
	if logger == nil {
		logger = observability.NewDefaultLogger()
	}

	t := &StreamTransport{
		writer:   w,
		incoming: make(chan *Message, 16),
		logger:   logger,
	}

	go t.readLoop(r)
	return t
}

func (t *StreamTransport) readLoop(r io.Reader) {
	defer close(t.incoming)
	defer t.markClosed()

	scanner := bufio.NewScanner(r)
	buffer := make([]byte, 0, 64*1024)
	scanner.Buffer(buffer, maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := DecodeMessage(line)
		if err != nil {
			// Malformed input is dropped, never fatal for the stream.
			t.logger.WithErr(err).Warn("Dropping undecodable message")
			continue
		}

		t.incoming <- msg
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		t.logger.WithErr(err).Debug("Transport read loop terminated")
	}
}

// Send writes one envelope as a single line. It fails with ErrTransportClosed
// once the peer has gone away.
func (t *StreamTransport) Send(msg *Message) error {
	t.closeMu.Lock()
	closed := t.closed
	t.closeMu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.writer.Write(data); err != nil {
		t.markClosed()
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

// Messages returns the receive stream. The channel is closed when the peer
// disconnects.
func (t *StreamTransport) Messages() <-chan *Message {
	return t.incoming
}

// Close marks the transport closed and runs the configured cleanup. The read
// loop drains on its own once the underlying reader reaches EOF.
func (t *StreamTransport) Close() error {
	t.markClosed()
	if t.closeFn != nil {
		return t.closeFn()
	}
	return nil
}

func (t *StreamTransport) markClosed() {
	t.closeMu.Lock()
	t.closed = true
	t.closeMu.Unlock()
}

// StdIOTransportConfig configures a child-process transport.
type StdIOTransportConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Logger  observability.Logger
}

// StdIOTransport spawns a child process and exchanges newline-delimited
// envelopes over its standard streams. When the child exits, the receive
// stream ends and subsequent sends fail with ErrTransportClosed.
type StdIOTransport struct {
	*StreamTransport
	cmd *exec.Cmd
}

// NewStdIOTransport starts the configured command and wires its stdin/stdout
// into a stream transport. The child's stderr is inherited so its diagnostics
// stay visible.
func NewStdIOTransport(config StdIOTransportConfig) (*StdIOTransport, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("stdio transport requires a command")
	}
	if config.Logger == nil {
		config.Logger = observability.NewDefaultLogger()
	}

	cmd := exec.Command(config.Command, config.Args...)
	cmd.Env = os.Environ()
	for k, v := range config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", config.Command, err)
	}

	t := &StdIOTransport{
		StreamTransport: NewStreamTransport(stdout, stdin, config.Logger),
		cmd:             cmd,
	}

	// Reap the child when it exits, whether on its own or via Close, so it
	// never lingers as a zombie.
	reaped := make(chan struct{})
	go func() {
		defer close(reaped)
		if err := cmd.Wait(); err != nil {
			config.Logger.WithFields(map[string]interface{}{
				"command": config.Command,
			}).WithErr(err).Debug("Child process exited")
		}
	}()

	t.closeFn = func() error {
		stdin.Close()
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-reaped
		return nil
	}

	return t, nil
}
