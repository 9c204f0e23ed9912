package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/reinit/pkg/checkpoint"
	"github.com/psantana5/reinit/pkg/comm/memgroup"
	"github.com/psantana5/reinit/pkg/logging"
	"github.com/psantana5/reinit/pkg/models"
	"github.com/psantana5/reinit/pkg/runtime"
)

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario.yaml>",
	Short: "Run a fault scenario in-process",
	Long: `Run a whole group as goroutines against an in-process substrate and
inject the fault described by the scenario file, then report how every rank
restarted.`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
}

type scenarioFault struct {
	Origin  int    `yaml:"origin"`
	Kind    string `yaml:"kind"` // explicit or detected
	Replace bool   `yaml:"replace"`
}

type scenario struct {
	WorldSize   int           `yaml:"world_size"`
	Steps       []uint64      `yaml:"steps_per_rank"`
	FaultMode   string        `yaml:"fault_mode"`
	DurableStep uint64        `yaml:"durable_step"`
	Fault       scenarioFault `yaml:"fault"`
}

func (sc *scenario) validate() error {
	if sc.WorldSize <= 0 {
		return fmt.Errorf("world_size must be positive")
	}
	if len(sc.Steps) != sc.WorldSize {
		return fmt.Errorf("steps_per_rank has %d entries for a world of %d", len(sc.Steps), sc.WorldSize)
	}
	if sc.Fault.Origin < 0 || sc.Fault.Origin >= sc.WorldSize {
		return fmt.Errorf("fault origin %d out of range", sc.Fault.Origin)
	}
	switch sc.Fault.Kind {
	case "", "explicit":
		sc.Fault.Kind = "explicit"
		if sc.Fault.Replace {
			return fmt.Errorf("replace requires a detected fault")
		}
	case "detected":
	default:
		return fmt.Errorf("unknown fault kind %q", sc.Fault.Kind)
	}
	switch sc.FaultMode {
	case "", "synchronous", "asynchronous":
	default:
		return fmt.Errorf("unknown fault mode %q", sc.FaultMode)
	}
	return nil
}

type rankOutcome struct {
	Rank        int      `json:"rank"`
	Entries     int      `json:"entries"`
	States      []string `json:"states"`
	RestartStep uint64   `json:"restart_step"`
	Error       string   `json:"error,omitempty"`
}

func runSimulate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading scenario: %w", err)
	}
	sc := &scenario{}
	if err := yaml.Unmarshal(data, sc); err != nil {
		return fmt.Errorf("parsing scenario: %w", err)
	}
	if err := sc.validate(); err != nil {
		return fmt.Errorf("invalid scenario: %w", err)
	}

	outcomes := runScenario(sc)

	if IsJSONOutput() {
		output, err := json.MarshalIndent(outcomes, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Rank", "Entries", "States", "Restart Step", "Error")
	for _, o := range outcomes {
		table.Append(
			fmt.Sprintf("%d", o.Rank),
			fmt.Sprintf("%d", o.Entries),
			strings.Join(o.States, ", "),
			fmt.Sprintf("%d", o.RestartStep),
			o.Error,
		)
	}
	table.Render()
	return nil
}

// runScenario drives a whole group through the scenario's fault and
// recovery. Every rank is a goroutine over the in-process substrate.
func runScenario(sc *scenario) []rankOutcome {
	w := memgroup.NewWorld(sc.WorldSize)
	reg := checkpoint.NewMemoryRegistry()
	explicit := sc.Fault.Kind == "explicit"
	async := sc.FaultMode == "asynchronous"
	if sc.Fault.Replace {
		reg.RecordDurable(sc.Fault.Origin, models.Step(sc.DurableStep))
	}

	mode := models.SynchronousFaults
	if async {
		mode = models.AsynchronousFaults
	}

	outcomes := make([]rankOutcome, sc.WorldSize)
	for i := range outcomes {
		outcomes[i].Rank = i
	}

	var ready, wg sync.WaitGroup
	launch := func(i int, rt *runtime.Runtime, entry runtime.RestartPoint) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.Reinit(context.Background(), nil, entry); err != nil {
				outcomes[i].Error = err.Error()
			}
		}()
	}

	for i := 0; i < sc.WorldSize; i++ {
		if !explicit && i == sc.Fault.Origin {
			// The victim of a detected failure never gets to run.
			continue
		}
		p := w.Proc(i)
		rt := runtime.New(p, w,
			runtime.WithLogger(logging.Discard()),
			runtime.WithRegistry(reg),
			runtime.WithFaultMode(mode),
		)
		w.BindSink(p, rt.FaultSink())
		if !explicit {
			ready.Add(1)
		}
		launch(i, rt, scenarioEntry(sc, i, p, &outcomes[i], &ready))
	}

	if !explicit {
		ready.Wait()
		w.Kill(sc.Fault.Origin)
		if sc.Fault.Replace {
			repl, err := w.Replace(sc.Fault.Origin)
			if err == nil {
				rt := runtime.New(repl, w,
					runtime.WithLogger(logging.Discard()),
					runtime.WithRegistry(reg),
					runtime.WithFaultMode(mode),
					runtime.WithAddedProcess(),
				)
				w.BindSink(repl, rt.FaultSink())
				launch(sc.Fault.Origin, rt, scenarioEntry(sc, sc.Fault.Origin, repl, &outcomes[sc.Fault.Origin], &ready))
			} else {
				outcomes[sc.Fault.Origin].Error = err.Error()
			}
		}
		w.NotifyAll(models.FaultEvent{Origin: sc.Fault.Origin, Kind: models.FaultDetected})
	}

	wg.Wait()
	return outcomes
}

func scenarioEntry(sc *scenario, i int, p *memgroup.Proc, out *rankOutcome, ready *sync.WaitGroup) runtime.RestartPoint {
	explicit := sc.Fault.Kind == "explicit"
	async := sc.FaultMode == "asynchronous"
	signalled := false
	return func(ctx context.Context, rt *runtime.Runtime, args []string, state models.StartState) error {
		out.Entries++
		out.States = append(out.States, state.String())
		if out.Entries > 1 || state != models.StartNew {
			out.RestartStep = uint64(rt.Step())
			return nil
		}

		for s := models.Step(1); s <= models.Step(sc.Steps[i]); s++ {
			if err := rt.CompleteStep(s); err != nil {
				return err
			}
		}

		if explicit {
			// Everybody finishes its work before the fault fires.
			if err := p.Barrier(ctx); err != nil {
				return err
			}
			if i == sc.Fault.Origin {
				if err := rt.RaiseFault(); err != nil {
					return err
				}
			}
		} else if !signalled {
			signalled = true
			ready.Done()
		}

		if async {
			<-ctx.Done()
			return ctx.Err()
		}
		for {
			_ = rt.Probe()
			time.Sleep(time.Millisecond)
		}
	}
}
