package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/0xlemi/beatnote/internal/analysis"
	"github.com/0xlemi/beatnote/internal/audio"
	"github.com/0xlemi/beatnote/internal/classroom"
	"github.com/0xlemi/beatnote/internal/metronome"
	"github.com/0xlemi/beatnote/internal/midiout"
	"github.com/0xlemi/beatnote/internal/pitch"
	"github.com/0xlemi/beatnote/internal/ui"
)

const (
	sampleRate = 44100
	channels   = 1

	syncInterval = 2 * time.Second
	hitCooldown  = 500 * time.Millisecond
)

var (
	flagDebug     bool
	flagBPM       float64
	flagSignature string
	flagTier      string
	flagTarget    string
	flagMIDIPort  string
	flagNoInput   bool

	flagSession string
	flagListen  string
	flagHost    string
	flagSteps   []string
	flagStudent string
	flagName    string
)

func main() {
	root := &cobra.Command{
		Use:           "beatnote",
		Short:         "Practice-session timing core: metronome, tuner and classroom sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	root.PersistentFlags().Float64Var(&flagBPM, "bpm", 120, "initial tempo")
	root.PersistentFlags().StringVar(&flagSignature, "signature", "4/4", "time signature (2/4, 3/4, 4/4, 6/8)")
	root.PersistentFlags().StringVar(&flagTier, "tier", "beginner", "difficulty tier (beginner, pro)")
	root.PersistentFlags().StringVar(&flagTarget, "target", "", "target note for intonation scoring, e.g. A4")
	root.PersistentFlags().StringVar(&flagMIDIPort, "midi-port", "", "mirror ticks and hits to a MIDI output port")
	root.PersistentFlags().BoolVar(&flagNoInput, "no-input", false, "disable microphone analysis")

	practice := &cobra.Command{
		Use:   "practice",
		Short: "Run the metronome and tuner on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPractice(cmd.Context())
		},
	}

	classroomCmd := &cobra.Command{
		Use:   "classroom",
		Short: "Live classroom session over OSC",
	}
	classroomCmd.PersistentFlags().StringVar(&flagSession, "session", "class-1", "session id")
	classroomCmd.PersistentFlags().StringVar(&flagListen, "listen", ":5760", "local OSC listen address")

	host := &cobra.Command{
		Use:   "host",
		Short: "Host a session as the teacher device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassroom(cmd.Context(), true)
		},
	}
	host.Flags().StringSliceVar(&flagSteps, "steps", []string{"warmup"}, "ordered lesson step ids")

	join := &cobra.Command{
		Use:   "join",
		Short: "Join a session as a student device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassroom(cmd.Context(), false)
		},
	}
	join.Flags().StringVar(&flagHost, "host", "127.0.0.1:5760", "teacher's OSC address")
	join.Flags().StringVar(&flagStudent, "student", "", "student id (required)")
	join.Flags().StringVar(&flagName, "name", "", "display name")

	classroomCmd.AddCommand(host, join)
	root.AddCommand(practice, classroomCmd)

	cobra.OnInitialize(func() { initLogger(flagDebug) })

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// initLogger configures the shared slog logger so the whole process logs
// through one handler.
func initLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug,
	})
	slog.SetDefault(slog.New(handler))
}

// rig is the assembled practice core shared by all commands.
type rig struct {
	devices   *audio.DeviceManager
	player    *audio.ClickPlayer
	scheduler *metronome.Scheduler
	loop      *analysis.Loop
	midi      *midiout.Sender
	tier      pitch.Tier
	target    int
}

func buildRig() (*rig, error) {
	tier, err := pitch.ParseTier(flagTier)
	if err != nil {
		return nil, err
	}
	signature, err := metronome.ParseSignature(flagSignature)
	if err != nil {
		return nil, err
	}
	target := pitch.NoTarget
	if flagTarget != "" {
		target, err = parseNoteName(flagTarget)
		if err != nil {
			return nil, err
		}
	}

	devices := audio.NewDeviceManager()
	player := audio.NewClickPlayer(devices, sampleRate)
	if err := player.Start(); err != nil {
		return nil, err
	}

	scheduler := metronome.New(player, player)
	scheduler.SetBPM(flagBPM)
	scheduler.SetSignature(signature)

	r := &rig{
		devices:   devices,
		player:    player,
		scheduler: scheduler,
		tier:      tier,
		target:    target,
	}

	if !flagNoInput {
		capture := audio.NewCapture(devices, analysis.WindowSize, sampleRate, channels)
		capture.SetAmplification(5)
		loop := analysis.New(capture)
		if err := loop.Start(target, tier); err != nil {
			// Classroom tempo and step sync keep working with listening
			// disabled, so a denied microphone is not fatal.
			slog.Warn("microphone unavailable, listening disabled", "err", err)
		} else {
			r.loop = loop
		}
	}

	if flagMIDIPort != "" {
		sender, err := midiout.Open(flagMIDIPort)
		if err != nil {
			slog.Warn("midi output unavailable", "err", err)
		} else {
			r.midi = sender
			scheduler.OnTick(func(tick metronome.Tick) {
				if err := sender.Click(tick.Downbeat); err != nil {
					slog.Debug("midi click failed", "err", err)
				}
			})
		}
	}

	return r, nil
}

func (r *rig) shutdown() {
	if r.loop != nil {
		r.loop.Stop()
	}
	r.scheduler.Stop()
	if err := r.player.Stop(); err != nil {
		slog.Warn("stopping click player", "err", err)
	}
	if r.midi != nil {
		if err := r.midi.Close(); err != nil {
			slog.Warn("closing midi output", "err", err)
		}
	}
}

func runPractice(ctx context.Context) error {
	r, err := buildRig()
	if err != nil {
		return err
	}
	defer r.shutdown()

	program := tea.NewProgram(ui.NewModel(practiceActions(r, nil)), tea.WithAltScreen())
	bindProgram(r, program)

	_, err = program.Run()
	return err
}

func runClassroom(ctx context.Context, isHost bool) error {
	if !isHost && flagStudent == "" {
		return fmt.Errorf("--student is required to join a session")
	}

	r, err := buildRig()
	if err != nil {
		return err
	}
	defer r.shutdown()

	peers := []string(nil)
	if !isHost {
		peers = []string{flagHost}
	}
	channel, err := classroom.DialOSC(flagListen, isHost, peers)
	if err != nil {
		return err
	}
	defer channel.Close()

	steps := flagSteps
	if !isHost {
		steps = nil
	}
	controller, err := classroom.NewController(channel, flagSession, steps)
	if err != nil {
		return err
	}
	defer controller.Close()
	controller.AttachTempo(r.scheduler)

	displayName := flagName
	if displayName == "" {
		displayName = flagStudent
	}
	if !isHost {
		if err := controller.Announce(ctx, flagStudent, displayName); err != nil {
			slog.Warn("presence announce failed", "err", err)
		}
	}

	var teacher *classroom.Controller
	if isHost {
		teacher = controller
	}
	program := tea.NewProgram(ui.NewModel(practiceActions(r, teacher)), tea.WithAltScreen())
	bindProgram(r, program)

	if !isHost && r.loop != nil {
		bindTelemetry(ctx, r, controller)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		_, err := program.Run()
		return err
	})
	g.Go(func() error {
		defer program.Quit()
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if isHost {
					if err := controller.BroadcastSync(ctx); err != nil {
						slog.Warn("state sync failed", "err", err)
					}
				} else if err := controller.Announce(ctx, flagStudent, displayName); err != nil {
					// Joins are idempotent; the next interval retries.
					slog.Debug("presence announce failed", "err", err)
				}
				hits := 0
				for _, n := range controller.Telemetry() {
					hits += n
				}
				program.Send(ui.SessionMsg{
					State:     controller.State(),
					Students:  len(controller.Students()),
					HitTotal:  hits,
					SessionID: flagSession,
				})
			}
		}
	})
	return g.Wait()
}

// practiceActions maps key presses onto the scheduler, and onto session
// broadcasts when this device is the teacher.
func practiceActions(r *rig, teacher *classroom.Controller) ui.Actions {
	ctx := context.Background()
	return ui.Actions{
		Toggle: func() {
			if teacher != nil {
				var err error
				if r.scheduler.Running() {
					err = teacher.Pause(ctx)
				} else {
					err = teacher.Play(ctx)
				}
				if err != nil {
					slog.Warn("transport broadcast failed", "err", err)
				}
				return
			}
			r.scheduler.Toggle()
		},
		Tap: r.scheduler.Tap,
		Panic: func() {
			r.scheduler.Panic()
			if teacher != nil {
				if err := teacher.BroadcastBPM(ctx, r.scheduler.BPM()); err != nil {
					slog.Warn("tempo broadcast failed", "err", err)
				}
			}
		},
		Nudge: func(delta float64) {
			r.scheduler.SetBPM(r.scheduler.BPM() + delta)
			if teacher != nil {
				if err := teacher.BroadcastBPM(ctx, r.scheduler.BPM()); err != nil {
					slog.Warn("tempo broadcast failed", "err", err)
				}
			}
		},
	}
}

// bindProgram pushes core state changes into the UI.
func bindProgram(r *rig, program *tea.Program) {
	r.scheduler.OnTick(func(tick metronome.Tick) {
		program.Send(ui.TickMsg(tick))
		program.Send(ui.StateMsg(r.scheduler.Snapshot()))
	})
	if r.loop != nil {
		r.loop.Subscribe(func(obs analysis.Observation) {
			program.Send(ui.ObservationMsg(obs))
		})
	}
}

// bindTelemetry turns qualifying in-tune observations into TELEMETRY_HIT
// commands, one per note onset.
func bindTelemetry(ctx context.Context, r *rig, controller *classroom.Controller) {
	var lastNote int = pitch.NoTarget
	var lastHit time.Time

	r.loop.Subscribe(func(obs analysis.Observation) {
		if !obs.Detected || !obs.InTune {
			if !obs.Detected {
				lastNote = pitch.NoTarget
			}
			return
		}
		now := time.Now()
		if obs.NoteIndex == lastNote && now.Sub(lastHit) < hitCooldown {
			return
		}
		lastNote = obs.NoteIndex
		lastHit = now

		precision := 1 - math.Abs(float64(obs.Cents))/float64(r.tier.Tolerance())
		if err := controller.SendHit(ctx, flagStudent, pitch.NoteName(obs.NoteIndex), precision, obs.Volume); err != nil {
			slog.Debug("hit publish failed", "err", err)
		}

		if r.midi != nil {
			if err := r.midi.NoteHit(obs.NoteIndex, precision); err != nil {
				slog.Debug("midi hit failed", "err", err)
			}
		}
	})
}

// parseNoteName parses names like "A4", "C#3" into a note index.
func parseNoteName(name string) (int, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	names := []string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

	for i := len(names) - 1; i >= 0; i-- {
		if strings.HasPrefix(upper, names[i]) {
			octave := 4
			if rest := upper[len(names[i]):]; rest != "" {
				if _, err := fmt.Sscanf(rest, "%d", &octave); err != nil {
					return 0, fmt.Errorf("invalid note name %q", name)
				}
			}
			return (octave+1)*12 + i, nil
		}
	}
	return 0, fmt.Errorf("invalid note name %q", name)
}
