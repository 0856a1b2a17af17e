package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/relayflow-go/internal/domain/credential"
	"github.com/relayflow-go/internal/domain/workflow"
	"github.com/relayflow-go/internal/execution/app/service"
	"github.com/relayflow-go/internal/execution/server"
	"github.com/relayflow-go/pkg/database"
	"github.com/relayflow-go/pkg/events"
)

const localUser = "relayctl"

// workflowFile is the on-disk shape of a workflow definition.
type workflowFile struct {
	Name          string `yaml:"name"`
	workflow.Flow `yaml:",inline"`
}

type credentialFile struct {
	Credentials []credentialEntry `yaml:"credentials"`
}

type credentialEntry struct {
	ID          string                 `yaml:"id"`
	Name        string                 `yaml:"name"`
	Application string                 `yaml:"application"`
	Data        map[string]interface{} `yaml:"data"`
}

type runOptions struct {
	*rootOptions
	workflowPath    string
	credentialsPath string
	ordering        string
	unknownPolicy   string
	nodeTimeout     time.Duration
	jsonOutput      bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workflow file once against an in-memory store",
		Long: `Loads a workflow definition and an optional credentials file, executes the
workflow with the same engine the server uses and prints every node status
transition as it happens. Nodes without a kind are treated as actions.`,
		Example: `  relayctl run --workflow digest.yaml --credentials creds.yaml
  relayctl run -w digest.yaml --ordering topological --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.workflowPath, "workflow", "w", "", "workflow definition (yaml)")
	cmd.Flags().StringVarP(&opts.credentialsPath, "credentials", "c", "", "credentials file (yaml)")
	cmd.Flags().StringVar(&opts.ordering, "ordering", "", "node ordering: array or topological")
	cmd.Flags().StringVar(&opts.unknownPolicy, "unknown-node-policy", "", "fail or skip nodes with no connector")
	cmd.Flags().DurationVar(&opts.nodeTimeout, "node-timeout", 0, "per-node deadline (0 disables)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "print events and the final execution as JSON")
	_ = cmd.MarkFlagRequired("workflow")

	return cmd
}

func (o *runOptions) run(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	def, err := loadWorkflow(o.workflowPath)
	if err != nil {
		return err
	}
	var creds []credentialEntry
	if o.credentialsPath != "" {
		if creds, err = loadCredentials(o.credentialsPath); err != nil {
			return err
		}
	}

	cfg, err := o.load()
	if err != nil {
		return err
	}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = ":memory:"
	if o.ordering != "" {
		cfg.Engine.Ordering = o.ordering
	}
	if o.unknownPolicy != "" {
		cfg.Engine.UnknownNodePolicy = o.unknownPolicy
	}
	if cmd.Flags().Changed("node-timeout") {
		cfg.Engine.NodeTimeout = o.nodeTimeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := o.logger(cfg)

	db, err := database.New(cfg.Database.ToDatabaseConfig())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(server.Models()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	bus := events.NewBus()
	defer bus.Close()
	engine, err := server.NewEngine(cfg, db, bus, events.NopEventBus{}, nil, log)
	if err != nil {
		return err
	}

	for _, entry := range creds {
		cred := credential.NewCredential(entry.Name, entry.Application, localUser, entry.Data)
		if entry.ID != "" {
			cred.ID = entry.ID
		}
		if cred.Name == "" {
			cred.Name = cred.ID
		}
		if err := cred.Validate(); err != nil {
			return fmt.Errorf("credential %s: %w", cred.ID, err)
		}
		if engine.Vault != nil {
			if err := engine.Vault.EncryptCredential(ctx, cred); err != nil {
				return err
			}
		}
		if err := engine.Credentials.CreateCredential(ctx, cred); err != nil {
			return err
		}
	}

	wf := workflow.NewWorkflow(def.Name, localUser, def.Flow)
	if err := engine.Workflows.CreateWorkflow(ctx, wf); err != nil {
		return err
	}

	ch, unsubscribe := bus.Subscribe(ctx)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range ch {
			o.printEvent(out, ev)
		}
	}()

	execution, runErr := engine.Service.Trigger(ctx, service.TriggerRequest{
		WorkflowID: wf.ID,
		UserID:     localUser,
		Source:     workflow.TriggerCLI,
	})
	unsubscribe()
	<-printed

	if execution == nil {
		return runErr
	}
	stored, err := engine.Service.GetExecution(ctx, execution.ID)
	if err != nil {
		return err
	}
	o.printSummary(out, stored)

	if runErr != nil {
		return fmt.Errorf("workflow %q failed: %w", def.Name, runErr)
	}
	return nil
}

func (o *runOptions) printEvent(w io.Writer, ev events.StatusEvent) {
	if o.jsonOutput {
		_ = json.NewEncoder(w).Encode(ev)
		return
	}
	line := fmt.Sprintf("%s  %-8s %s", ev.Timestamp.Format("15:04:05.000"), ev.Status, ev.NodeID)
	if ev.Error != "" {
		line += "  " + ev.Error
	}
	fmt.Fprintln(w, line)
}

func (o *runOptions) printSummary(w io.Writer, execution *workflow.Execution) {
	if o.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(execution)
		return
	}
	fmt.Fprintf(w, "\nexecution %s %s\n", execution.ID, execution.Status)
	for _, ne := range execution.NodeExecutions {
		fmt.Fprintf(w, "  %-20s %-8s", ne.NodeID, ne.Status)
		if ne.Output != nil {
			b, _ := json.Marshal(ne.Output)
			fmt.Fprintf(w, " %s", b)
		}
		if ne.Error != "" {
			fmt.Fprintf(w, " %s", ne.Error)
		}
		fmt.Fprintln(w)
	}
}

func loadWorkflow(path string) (*workflowFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}
	var def workflowFile
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow %s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = path
	}
	for i := range def.Nodes {
		if def.Nodes[i].Kind == "" {
			def.Nodes[i].Kind = workflow.KindAction
		}
	}
	if err := def.Flow.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow %s: %w", path, err)
	}
	return &def, nil
}

func loadCredentials(path string) ([]credentialEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	var file credentialFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse credentials %s: %w", path, err)
	}
	return file.Credentials, nil
}
