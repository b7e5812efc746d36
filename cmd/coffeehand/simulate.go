package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tdtai09423/TheCoffeeHandSystem/config"
	"github.com/tdtai09423/TheCoffeeHandSystem/messaging"
	"github.com/tdtai09423/TheCoffeeHandSystem/protocol"
	"github.com/tdtai09423/TheCoffeeHandSystem/simulate"
)

type simOptions struct {
	fail         []string
	failCount    int
	silent       []string
	armDelay     time.Duration
	machineDelay time.Duration
}

func (c *cli) simulateCmd() *cobra.Command {
	var opts simOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run simulated arm and machine controllers on the configured bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.simulate(opts)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&opts.fail, "fail", nil, "machines that answer fail")
	f.IntVar(&opts.failCount, "fail-count", 1, "number of commands each --fail machine fails")
	f.StringSliceVar(&opts.silent, "silent", nil, "machines that never answer")
	f.DurationVar(&opts.armDelay, "arm-delay", time.Second, "arm travel time")
	f.DurationVar(&opts.machineDelay, "machine-delay", 2*time.Second, "machine run time")
	return cmd
}

func parseMachines(names []string) ([]protocol.Machine, error) {
	out := make([]protocol.Machine, 0, len(names))
	for _, n := range names {
		m, err := protocol.ParseMachine(n)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// withIdentity gives a side process its own broker identity so it does not
// take over the coordinator's MQTT session or Redis consumer.
func withIdentity(m config.MessagingConfig, suffix string) config.MessagingConfig {
	m.MQTT.ClientID += "-" + suffix
	m.Redis.Consumer += "-" + suffix
	m.Kafka.GroupID += "-" + suffix
	return m
}

func (c *cli) simulate(opts simOptions) error {
	failing, err := parseMachines(opts.fail)
	if err != nil {
		return err
	}
	silent, err := parseMachines(opts.silent)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	msgCfg := withIdentity(c.cfg.Messaging, "sim")
	client := messaging.NewClient(&msgCfg, c.logger.Named("messaging"))
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.Messaging.Backend, err)
	}
	defer client.Close()

	topics := c.cfg.Messaging.Topics
	machines := simulate.NewMachines(client, topics, opts.machineDelay, c.logger.Named("machines"))
	for _, m := range failing {
		machines.FailNext(m, opts.failCount)
	}
	for _, m := range silent {
		machines.Silence(m)
	}
	if err := machines.Start(ctx); err != nil {
		return fmt.Errorf("start machines: %w", err)
	}

	c.logger.Info("simulators running",
		zap.String("backend", c.cfg.Messaging.Backend),
		zap.Duration("arm_delay", opts.armDelay),
		zap.Duration("machine_delay", opts.machineDelay))

	arm := simulate.NewArm(client, topics, opts.armDelay, c.logger.Named("arm"))
	if err := arm.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	c.logger.Info("simulators stopped", zap.Int("commands", len(machines.Commands())))
	return nil
}
