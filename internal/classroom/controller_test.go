package classroom

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, channel Channel) *Controller {
	t.Helper()
	c, err := NewController(channel, "class-42", []string{"s1", "s2", "s3"})
	require.NoError(t, err)
	return c
}

func TestApplyTransitionTable(t *testing.T) {
	c := newTestController(t, NewLocalChannel())

	c.Apply(Play())
	assert.True(t, c.State().Playing)

	c.Apply(Pause())
	assert.False(t, c.State().Playing)

	c.Apply(SetBPM(140))
	assert.Equal(t, 140.0, c.State().BPM)

	c.Apply(ChangeStep("s2"))
	assert.Equal(t, "s2", c.State().StepID)

	c.Apply(FocusMode(true))
	assert.True(t, c.State().FocusMode)

	c.Apply(TelemetryHit("stu-1", "A4", 0.9, 0.5))
	c.Apply(TelemetryHit("stu-1", "C5", 0.7, 0))
	c.Apply(TelemetryHit("stu-2", "A4", 1, 0))
	assert.Equal(t, map[string]int{"stu-1": 2, "stu-2": 1}, c.Telemetry())
}

func TestApplyIgnoresMissingFields(t *testing.T) {
	c := newTestController(t, NewLocalChannel())
	c.Apply(SetBPM(140))

	c.Apply(Command{Type: CommandSetBPM})
	c.Apply(Command{Type: CommandChangeStep})
	c.Apply(Command{Type: CommandFocusMode})
	c.Apply(Command{Type: CommandSyncState})
	c.Apply(Command{Type: CommandTelemetryHit})
	c.Apply(Command{Type: CommandType("NONSENSE")})

	state := c.State()
	assert.Equal(t, 140.0, state.BPM)
	assert.Equal(t, "s1", state.StepID)
	assert.Empty(t, c.Telemetry())
}

func TestSyncStateIdempotent(t *testing.T) {
	c := newTestController(t, NewLocalChannel())

	playing := true
	bpm := 96.0
	step := "s3"
	focus := true
	patch := StatePatch{Playing: &playing, BPM: &bpm, StepID: &step, FocusMode: &focus}

	c.Apply(SyncState(patch))
	once := c.State()
	c.Apply(SyncState(patch))
	twice := c.State()

	assert.Equal(t, once, twice)
	assert.Equal(t, SessionState{Playing: true, BPM: 96, StepID: "s3", FocusMode: true}, twice)
}

func TestDisjointFieldsOrderIndependent(t *testing.T) {
	setBPM := SetBPM(140)
	changeStep := ChangeStep("s2")

	forward := newTestController(t, NewLocalChannel())
	forward.Apply(setBPM)
	forward.Apply(changeStep)

	reverse := newTestController(t, NewLocalChannel())
	reverse.Apply(changeStep)
	reverse.Apply(setBPM)

	assert.Equal(t, forward.State(), reverse.State())
	assert.Equal(t, 140.0, forward.State().BPM)
	assert.Equal(t, "s2", forward.State().StepID)
}

func TestTeacherBroadcastReachesStudent(t *testing.T) {
	channel := NewLocalChannel()
	teacher := newTestController(t, channel)
	student := newTestController(t, channel)

	ctx := context.Background()
	require.NoError(t, teacher.BroadcastBPM(ctx, 140))
	require.NoError(t, teacher.BroadcastStep(ctx, "s2"))

	got := student.State()
	assert.Equal(t, 140.0, got.BPM)
	assert.Equal(t, "s2", got.StepID)

	// The teacher's own state matches what was broadcast.
	assert.Equal(t, got.BPM, teacher.State().BPM)
	assert.Equal(t, got.StepID, teacher.State().StepID)
}

func TestSendHitDoesNotMutateSender(t *testing.T) {
	channel := NewLocalChannel()
	teacher := newTestController(t, channel)

	student, err := NewController(channel, "class-42", nil)
	require.NoError(t, err)
	// The student drops their own subscription so the echo never reaches them.
	student.Close()

	require.NoError(t, student.SendHit(context.Background(), "stu-1", "A4", 0.9, 0))

	assert.Empty(t, student.Telemetry())
	assert.Equal(t, map[string]int{"stu-1": 1}, teacher.Telemetry())
}

func TestSendHitDefaultsResonance(t *testing.T) {
	cmd := TelemetryHit("stu-1", "A4", 0.9, 0)
	payload, err := cmd.Encode()
	require.NoError(t, err)

	decoded, err := DecodeCommand(payload)
	require.NoError(t, err)
	assert.Equal(t, 0.0, decoded.Resonance)
	assert.Equal(t, "stu-1", decoded.StudentID)
}

func TestBroadcastSyncRecoversState(t *testing.T) {
	channel := NewLocalChannel()
	teacher := newTestController(t, channel)

	ctx := context.Background()
	require.NoError(t, teacher.Play(ctx))
	require.NoError(t, teacher.BroadcastBPM(ctx, 180))
	require.NoError(t, teacher.BroadcastStep(ctx, "s3"))

	// A student who joined late and missed everything catches up on the next
	// periodic sync.
	late := newTestController(t, channel)
	require.NoError(t, teacher.BroadcastSync(ctx))

	assert.Equal(t, teacher.State(), late.State())
}

func TestStudentJoinMarksOnline(t *testing.T) {
	c := newTestController(t, NewLocalChannel())

	c.Apply(StudentJoin("stu-1", "Ada"))
	students := c.Students()
	require.Len(t, students, 1)
	assert.Equal(t, Student{ID: "stu-1", DisplayName: "Ada"}, students[0])

	// Re-announcing is idempotent, so periodic joins never duplicate a student.
	c.Apply(StudentJoin("stu-1", "Ada"))
	assert.Len(t, c.Students(), 1)

	c.Apply(Command{Type: CommandStudentJoin})
	assert.Len(t, c.Students(), 1)
}

func TestAnnounceReachesHostRoster(t *testing.T) {
	channel := NewLocalChannel()
	host := newTestController(t, channel)
	student := newTestController(t, channel)

	require.NoError(t, student.Announce(context.Background(), "stu-1", "Ada"))

	students := host.Students()
	require.Len(t, students, 1)
	assert.Equal(t, "stu-1", students[0].ID)
	assert.Equal(t, "Ada", students[0].DisplayName)
}

func TestPresenceList(t *testing.T) {
	c := newTestController(t, NewLocalChannel())

	c.MarkOnline(Student{ID: "stu-1", DisplayName: "Ada"})
	c.MarkOnline(Student{ID: "stu-2", DisplayName: "Lin"})
	assert.Len(t, c.Students(), 2)

	c.MarkOffline("stu-1")
	students := c.Students()
	require.Len(t, students, 1)
	assert.Equal(t, "stu-2", students[0].ID)
}

func TestCloseResetsSession(t *testing.T) {
	channel := NewLocalChannel()
	c := newTestController(t, channel)

	c.Apply(SetBPM(200))
	c.Apply(TelemetryHit("stu-1", "A4", 1, 0))
	c.Close()

	assert.Equal(t, 120.0, c.State().BPM)
	assert.Equal(t, "s1", c.State().StepID)
	assert.Empty(t, c.Telemetry())

	// After Close the subscription is gone: further publishes are not applied.
	require.NoError(t, channel.Publish(context.Background(), "class-42", SetBPM(66)))
	assert.Equal(t, 120.0, c.State().BPM)
}

type fakeTempo struct {
	bpm     float64
	running bool
	toggles int
}

func (f *fakeTempo) SetBPM(bpm float64) { f.bpm = bpm }
func (f *fakeTempo) Toggle()            { f.running = !f.running; f.toggles++ }
func (f *fakeTempo) Running() bool      { return f.running }

func TestCommandsSteerAttachedTempo(t *testing.T) {
	c := newTestController(t, NewLocalChannel())
	tempo := &fakeTempo{}
	c.AttachTempo(tempo)

	c.Apply(Play())
	assert.True(t, tempo.running)

	// A second PLAY must not toggle the metronome off again.
	c.Apply(Play())
	assert.True(t, tempo.running)
	assert.Equal(t, 1, tempo.toggles)

	c.Apply(SetBPM(90))
	assert.Equal(t, 90.0, tempo.bpm)

	c.Apply(Pause())
	assert.False(t, tempo.running)
}
