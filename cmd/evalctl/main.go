// Command evalctl is an operator CLI for the evaluation platform: a cobra
// root command with one subcommand tree per resource, each connecting
// directly to the platform's own stores (job store, task broker) since the
// Dispatch API that would normally front them is out of scope for this
// runner.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mlsecarena/evalrunner/internal/broker"
	"github.com/mlsecarena/evalrunner/internal/common"
	"github.com/mlsecarena/evalrunner/internal/jobstore"
	"github.com/mlsecarena/evalrunner/internal/models"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "evalctl",
	Short:   "Operate the adversarial evaluation platform",
	Version: common.GetVersion(),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("EVALRUNNER_CONFIG"), "path to evalrunner config file")
	rootCmd.AddCommand(jobCmd)
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and enqueue jobs",
}

var jobGetCmd = &cobra.Command{
	Use:   "get JOB_ID",
	Short: "Show a job's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := connectJobStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		job, err := store.GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Job: %s\n", job.ID)
		fmt.Printf("  Kind:   %s\n", job.Kind)
		fmt.Printf("  Status: %s\n", job.Status)
		if job.Error != "" {
			fmt.Printf("  Error:  %s\n", job.Error)
		}
		return nil
	},
}

var jobSubmitDefenseCmd = &cobra.Command{
	Use:   "submit-defense DEFENSE_SUBMISSION_ID",
	Short: "Enqueue a defense-job for a validated defense submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defenseID := args[0]

		store, cleanup, err := connectJobStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		cfg, err := common.LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger := common.NewLogger(cfg.Logging.Level)

		b, err := broker.Connect(cmd.Context(), broker.Config{
			URL:             cfg.Broker.URL,
			StreamName:      cfg.Broker.Stream,
			DefenseConsumer: cfg.Broker.DefenseConsumer,
			AttackConsumer:  cfg.Broker.AttackConsumer,
			AckWait:         cfg.Broker.GetAckWait(),
		}, logger)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		defer b.Close()

		jobID, err := store.CreateJob(cmd.Context(), models.JobKindDefense, map[string]any{
			"defense_submission_id": defenseID,
		}, "evalctl")
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}

		if err := b.PublishDefenseJob(cmd.Context(), models.DefenseJobPayload{DefenseSubmissionID: defenseID}, jobID); err != nil {
			return fmt.Errorf("publish job: %w", err)
		}

		fmt.Printf("Submitted defense-job %s for defense %s\n", jobID, defenseID)
		return nil
	},
}

var jobSubmitAttackCmd = &cobra.Command{
	Use:   "submit-attack ATTACK_SUBMISSION_ID",
	Short: "Enqueue an attack-job for a submitted attack archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		attackID := args[0]

		store, cleanup, err := connectJobStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		cfg, err := common.LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger := common.NewLogger(cfg.Logging.Level)

		b, err := broker.Connect(cmd.Context(), broker.Config{
			URL:             cfg.Broker.URL,
			StreamName:      cfg.Broker.Stream,
			DefenseConsumer: cfg.Broker.DefenseConsumer,
			AttackConsumer:  cfg.Broker.AttackConsumer,
			AckWait:         cfg.Broker.GetAckWait(),
		}, logger)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		defer b.Close()

		jobID, err := store.CreateJob(cmd.Context(), models.JobKindAttack, map[string]any{
			"attack_submission_id": attackID,
		}, "evalctl")
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}

		if err := b.PublishAttackJob(cmd.Context(), models.AttackJobPayload{AttackSubmissionID: attackID}, jobID); err != nil {
			return fmt.Errorf("publish job: %w", err)
		}

		fmt.Printf("Submitted attack-job %s for attack %s\n", jobID, attackID)
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobSubmitDefenseCmd)
	jobCmd.AddCommand(jobSubmitAttackCmd)
}

func connectJobStore(ctx context.Context) (*jobstore.Store, func(), error) {
	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := common.NewLogger(cfg.Logging.Level)

	store, err := jobstore.New(ctx, cfg.JobStore.DSN, cfg.JobStore.MaxPoolConns, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect job store: %w", err)
	}
	return store, store.Close, nil
}
