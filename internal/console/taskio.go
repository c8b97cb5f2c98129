// TaskIO is the per-task I/O multiplexer: it owns the task's log and
// output pipes, its on-disk journal and its Unix console socket, and
// serializes every frame written to any of them through one dispatcher
// goroutine, exactly mirroring the single-writer discipline
// tasks/__init__.py's TaskIO enforces with its dispatcher thread — but
// expressed with goroutines/channels rather than an epoll loop, per
// SPEC_FULL.md §4.8's supplement (consistent with the teacher's own
// channel/context based concurrency idiom, e.g. context.go).
package console

import (
	"io"
	"net"
	"os"
	"sync"

	"github.com/distr1/fatbuildr/internal/logging"
)

var logger = logging.Logr("console")

type subscriber struct {
	conn net.Conn
	out  chan []byte
	done chan struct{}
}

// TaskIO owns all I/O for one running task.
type TaskIO struct {
	Interactive bool

	journal    *Journal
	socketPath string
	listener   net.Listener

	inputR, inputW   *os.File
	outputR, outputW *os.File
	logR, logW       *os.File

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	muted       bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// MuteLog suppresses log frame broadcast while an interactive command
// owns the console, so its raw output is not interleaved with task log
// records.
func (t *TaskIO) MuteLog() {
	t.mu.Lock()
	t.muted = true
	t.mu.Unlock()
}

// UnmuteLog restores log frame broadcast.
func (t *TaskIO) UnmuteLog() {
	t.mu.Lock()
	t.muted = false
	t.mu.Unlock()
}

// Open creates the pipes, journal file and console socket for a task
// and returns a TaskIO ready for Dispatch. journalPath and socketPath
// are expected to live under the task's workspace directory.
func Open(journalPath, socketPath string, interactive bool) (*TaskIO, error) {
	j, err := OpenJournal(journalPath)
	if err != nil {
		return nil, err
	}

	io1r, io1w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	io2r, io2w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	io3r, io3w, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	os.Chmod(socketPath, 0o770)

	t := &TaskIO{
		Interactive: interactive,
		journal:     j,
		socketPath:  socketPath,
		listener:    ln,
		inputR:      io1r,
		inputW:      io1w,
		outputR:     io2r,
		outputW:     io2w,
		logR:        io3r,
		logW:        io3w,
		subscribers: map[*subscriber]struct{}{},
		stop:        make(chan struct{}),
	}
	return t, nil
}

// Dispatch starts the accept loop and the output/log pump goroutines.
func (t *TaskIO) Dispatch() {
	t.wg.Add(3)
	go t.acceptLoop()
	go t.pumpLog()
	go t.pumpOutput()
}

func (t *TaskIO) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			logger.Debugf("console accept loop ending: %v", err)
			return
		}
		t.handleSubscriber(conn)
	}
}

func (t *TaskIO) handleSubscriber(conn net.Conn) {
	sub := &subscriber{conn: conn, out: make(chan []byte, 64), done: make(chan struct{})}

	// Replay the entire journal before the subscriber can observe any
	// future frame: register it under the lock only after replay so no
	// live frame is broadcast mid-replay.
	t.mu.Lock()
	err := t.journal.Replay(func(msg Message) error {
		_, err := conn.Write(Encode(msg))
		return err
	})
	if err != nil {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.subscribers[sub] = struct{}{}
	t.mu.Unlock()

	go func() {
		for {
			select {
			case b, ok := <-sub.out:
				if !ok {
					return
				}
				if _, err := conn.Write(b); err != nil {
					t.removeSubscriber(sub)
					return
				}
			case <-sub.done:
				return
			}
		}
	}()

	go t.readSubscriber(conn, sub)
}

func (t *TaskIO) readSubscriber(conn net.Conn, sub *subscriber) {
	defer t.removeSubscriber(sub)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 && t.Interactive {
			t.inputW.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (t *TaskIO) removeSubscriber(sub *subscriber) {
	t.mu.Lock()
	if _, ok := t.subscribers[sub]; ok {
		delete(t.subscribers, sub)
		close(sub.done)
		close(sub.out)
	}
	t.mu.Unlock()
	sub.conn.Close()
}

// broadcast serializes msg to the journal and to every live subscriber.
// Callers always hold no lock; broadcast takes it internally so it is
// the single point of truth for "the dispatcher owns every fd after
// open" (spec.md §5 locking discipline).
func (t *TaskIO) broadcast(msg Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.journal.Write(msg)
	encoded := Encode(msg)
	for sub := range t.subscribers {
		select {
		case sub.out <- encoded:
		default:
			// slow subscriber; drop rather than block the dispatcher
		}
	}
}

// pumpLog reads framed "<level>:<message>" log lines written by the
// attached logger hook and broadcasts them as LOG frames.
func (t *TaskIO) pumpLog() {
	defer t.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := t.logR.Read(buf)
		if n > 0 {
			t.mu.Lock()
			muted := t.muted
			t.mu.Unlock()
			if !muted {
				t.broadcast(Message{Cmd: CmdLog, Payload: append([]byte(nil), buf[:n]...)})
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpOutput reads the subprocess output pipe. In interactive mode the
// bytes are already framed by the PTY copier and broadcast verbatim; in
// non-interactive mode raw bytes are wrapped in a BYTES frame first.
func (t *TaskIO) pumpOutput() {
	defer t.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := t.outputR.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if t.Interactive {
				if msg, rerr := Read(newByteReader(chunk)); rerr == nil {
					t.broadcast(msg)
				}
			} else {
				t.broadcast(NewBytes(chunk))
			}
		}
		if err != nil {
			return
		}
	}
}

func newByteReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct{ b []byte }

func (s *sliceReader) Read(p []byte) (int, error) {
	if len(s.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.b)
	s.b = s.b[n:]
	return n, nil
}

// LogWriter returns the write end of the log pipe, suitable for plugging
// in as a logrus hook output target.
func (t *TaskIO) LogWriter() io.Writer { return t.logW }

// OutputWriter returns the write end of the output pipe.
func (t *TaskIO) OutputWriter() io.Writer { return t.outputW }

// InputReader returns the read end of the input pipe (interactive only).
func (t *TaskIO) InputReader() io.Reader { return t.inputR }

// Undispatch stops the dispatcher goroutines.
func (t *TaskIO) Undispatch() {
	close(t.stop)
	t.listener.Close()
	t.mu.Lock()
	for sub := range t.subscribers {
		sub.conn.Close()
	}
	t.mu.Unlock()
}

// Close flushes and releases every fd TaskIO owns.
func (t *TaskIO) Close() error {
	t.inputR.Close()
	t.inputW.Close()
	t.outputR.Close()
	t.outputW.Close()
	t.logR.Close()
	t.logW.Close()
	os.Remove(t.socketPath)
	return t.journal.Close()
}
