package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scof256/hellodoctor-sub007/internal/consultation"
	"github.com/scof256/hellodoctor-sub007/internal/delivery"
)

func newChatCmd(root *rootOptions) *cobra.Command {
	var conversation, mode string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the intake agents",
		Long: `Reads one message per line from stdin and delivers them in order.

Commands:
  /retry <tempId>    retry a failed message
  /resend <tempId>   send a permanently failed message again
  /discard <tempId>  drop a permanently failed message
  /list              show the outbox
  /quit            exit`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := consultation.Mode(mode)
			if m != consultation.ModePatient && m != consultation.ModeDoctor {
				return fmt.Errorf("mode must be %q or %q", consultation.ModePatient, consultation.ModeDoctor)
			}
			cfg, err := root.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := &printer{w: cmd.OutOrStdout()}
			sender := delivery.NewTurnSender(cfg.Client.ServerURL, m, out.reply)
			if conversation == "" {
				if conversation, err = sender.CreateSession(ctx); err != nil {
					return err
				}
				out.printf("started conversation %s\n", conversation)
			} else if err := sender.Sync(ctx, conversation); err != nil {
				out.printf("could not load conversation history: %v\n", err)
			}

			store, err := delivery.NewSQLiteStore(cfg.Client.OutboxDir)
			if err != nil {
				return err
			}
			defer store.Close()

			q, err := delivery.New(conversation, sender, store, delivery.Options{
				MaxRetries:  cfg.Client.MaxRetries,
				OnChange:    out.entry,
				OnExhausted: out.exhausted,
				Logger:      log.New(cmd.ErrOrStderr(), "outbox: ", log.LstdFlags),
			})
			if err != nil {
				return err
			}
			defer q.Close()

			w := delivery.NewWatcher(delivery.HTTPProbe(cfg.Client.ServerURL), cfg.Client.ProbeInterval, q.OnReconnect, func(online bool) {
				if online {
					out.printf("* connected\n")
				} else {
					out.printf("* offline, messages will be kept\n")
				}
			})
			go w.Run(ctx)

			return readLoop(ctx, cmd.InOrStdin(), q, out)
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id to resume (a new one is created when empty)")
	cmd.Flags().StringVar(&mode, "mode", string(consultation.ModePatient), "patient or doctor")
	return cmd
}

func readLoop(ctx context.Context, in io.Reader, q *delivery.Queue, out *printer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/list":
				for _, e := range q.Entries() {
					out.entry(e)
				}
			case strings.HasPrefix(line, "/retry"):
				id := strings.TrimSpace(strings.TrimPrefix(line, "/retry"))
				if err := q.Retry(id); err != nil && !errors.Is(err, delivery.ErrRetriesExhausted) {
					out.printf("retry %s: %v\n", id, err)
				}
			case strings.HasPrefix(line, "/resend"):
				id := strings.TrimSpace(strings.TrimPrefix(line, "/resend"))
				if _, err := q.Resend(id); err != nil {
					out.printf("resend %s: %v\n", id, err)
				}
			case strings.HasPrefix(line, "/discard"):
				id := strings.TrimSpace(strings.TrimPrefix(line, "/discard"))
				if err := q.Discard(id); err != nil {
					out.printf("discard %s: %v\n", id, err)
				}
			default:
				if _, err := q.Enqueue(line, nil); err != nil {
					return err
				}
			}
		}
	}
}

type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) entry(e delivery.Entry) {
	switch e.Status {
	case delivery.StatusFailed:
		p.printf("[%s] failed (%d retries): %s\n", e.TempID, e.RetryCount, e.Error)
	case delivery.StatusSent:
		p.printf("[%s] sent as %s\n", e.TempID, e.PermanentID)
	default:
		p.printf("[%s] %s: %s\n", e.TempID, e.Status, e.Text)
	}
}

func (p *printer) exhausted(e delivery.Entry) {
	p.printf("[%s] could not be delivered after %d retries; /resend %s or /discard %s\n", e.TempID, e.RetryCount, e.TempID, e.TempID)
}

func (p *printer) reply(r delivery.Reply) {
	p.printf("%s: %s\n", r.Agent, r.Text)
	if r.Termination != nil && r.Termination.ShouldTerminate() {
		p.printf("* intake complete (%s)\n", r.Termination.Reason)
	}
}
