package jobwire

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Bootstrap resolves cfg, connects, and starts a worker for queueName. Unless
// WithoutSignalHandling is given, SIGTERM and SIGINT trigger Shutdown.
//
// A configuration error is returned before any connection is made.
func Bootstrap(ctx context.Context, cfg RedisConfig, queueName string, handler Handler, opts ...WorkerOption) (*Worker, error) {
	conn, err := ResolveConnection(cfg)
	if err != nil {
		return nil, err
	}

	// Options are applied twice: once here to read queue options, once by
	// NewWorker.
	var pre Worker
	for _, opt := range opts {
		if opt != nil {
			opt(&pre)
		}
	}

	client := conn.NewClient()
	qopts := pre.queueOpts
	if pre.log != nil {
		qopts = append([]Option{WithLogger(pre.log)}, qopts...)
	}
	q, err := NewQueue(client, queueName, qopts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	w := NewWorker(q, handler, opts...)
	w.onClose = append(w.onClose, q.Close, client.Close)
	if err := w.Start(ctx); err != nil {
		_ = w.release()
		return nil, err
	}
	if w.installSignals {
		w.handleSignals()
	}
	return w, nil
}

func (w *Worker) handleSignals() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	stop := make(chan struct{})
	w.signalStop = func() {
		signal.Stop(ch)
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	go func() {
		for {
			select {
			case <-stop:
				return
			case sig := <-ch:
				go w.Shutdown(sig.String())
			}
		}
	}()
}

// Shutdown closes the worker and exits the process: code 0 when the close
// succeeded or the worker was already closed, 1 otherwise. Only the first
// call does anything; later calls, e.g. from a repeated signal, return
// immediately.
func (w *Worker) Shutdown(reason string) {
	if !w.shuttingDown.CompareAndSwap(false, true) {
		w.log.Info("shutdown already in progress", slog.String("reason", reason))
		return
	}
	w.log.Info("shutting down worker", slog.String("reason", reason))

	ctx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
	defer cancel()
	if err := w.Close(ctx); err != nil && !errors.Is(err, ErrWorkerClosed) {
		w.log.Error("worker shutdown failed", slog.Any("error", err))
		w.exit(1)
		return
	}
	w.exit(0)
}
