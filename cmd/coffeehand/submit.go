package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/messaging"
	"github.com/tdtai09423/TheCoffeeHandSystem/orders"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
)

func (c *cli) submitCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "submit <order.json|->",
		Short: "Put an order on the submission queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return c.submit(cmd.OutOrStdout(), data, wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait this long for the order to finish")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read order: %w", err)
	}
	return data, nil
}

// statusWaiter collects the terminal notification for one activity.
type statusWaiter struct {
	protocol.NoOpHandler
	accepted chan struct{}
	done     chan *protocol.OrderStatus
}

func newStatusWaiter() *statusWaiter {
	return &statusWaiter{
		accepted: make(chan struct{}, 1),
		done:     make(chan *protocol.OrderStatus, 1),
	}
}

func (w *statusWaiter) finish(p *protocol.OrderStatus) {
	select {
	case w.done <- p:
	default:
	}
}

func (w *statusWaiter) HandleOrderAccepted(_ *protocol.Envelope, _ *protocol.OrderStatus) {
	select {
	case w.accepted <- struct{}{}:
	default:
	}
}
func (w *statusWaiter) HandleOrderCompleted(_ *protocol.Envelope, p *protocol.OrderStatus) {
	w.finish(p)
}
func (w *statusWaiter) HandleOrderPartiallyFailed(_ *protocol.Envelope, p *protocol.OrderStatus) {
	w.finish(p)
}
func (w *statusWaiter) HandleOrderFailed(_ *protocol.Envelope, p *protocol.OrderStatus) {
	w.finish(p)
}
func (w *statusWaiter) HandleOrderCancelled(_ *protocol.Envelope, p *protocol.OrderStatus) {
	w.finish(p)
}

func (c *cli) submit(out io.Writer, data []byte, wait time.Duration) error {
	order, err := protocol.DecodeSubmission(data)
	if err != nil {
		return err
	}
	if err := order.Validate(); err != nil {
		return err
	}
	payload, err := order.Encode()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	topics := c.cfg.Messaging.Topics
	msgCfg := withIdentity(c.cfg.Messaging, "submit-"+order.ActivityID)
	client := messaging.NewClient(&msgCfg, c.logger.Named("messaging"))
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.Messaging.Backend, err)
	}
	defer client.Close()

	// subscribe before sending so a fast completion is not missed
	waiter := newStatusWaiter()
	if wait > 0 {
		ing := protocol.NewIngestor(waiter, func(hdr *protocol.RawHeader) bool {
			return hdr.CorID == order.ActivityID
		}, c.logger.Named("ingestor"))
		if err := client.SubscribeBroadcast(ctx, topics.OrderStatus, func(_ string, payload []byte) {
			ing.HandleRaw(payload)
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", topics.OrderStatus, err)
		}
	}

	if err := client.Send(ctx, topics.OrderSubmission, payload); err != nil {
		return fmt.Errorf("send order: %w", err)
	}
	c.logger.Info("order submitted",
		zap.String("activity_id", order.ActivityID),
		zap.Int("actions", len(order.Actions)))
	fmt.Fprintln(out, order.ActivityID)

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-waiter.accepted:
			fmt.Fprintf(out, "%s accepted\n", order.ActivityID)
		case st := <-waiter.done:
			fmt.Fprintf(out, "%s %s: %d/%d actions", st.ActivityID, st.Status, st.ActionsDone, st.ActionsTotal)
			if st.FailedMachine != "" {
				fmt.Fprintf(out, ", failed at %s", st.FailedMachine)
			}
			if st.Detail != "" {
				fmt.Fprintf(out, " (%s)", st.Detail)
			}
			fmt.Fprintln(out)
			if st.Status != string(orders.StatusCompleted) {
				return fmt.Errorf("order %s %s", st.ActivityID, st.Status)
			}
			return nil
		case <-timer.C:
			return fmt.Errorf("no result for %s after %s", order.ActivityID, wait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
