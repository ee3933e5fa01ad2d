package panel

import (
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/sx"
)

func mustElement(t *testing.T, kind Kind, addr, secondary int) *Element {
	t.Helper()
	e, err := NewElement(kind, addr, secondary)
	if err != nil {
		t.Fatalf("NewElement(%v, %d, %d) error = %v", kind, addr, secondary, err)
	}
	return e
}

func newTestLayout(t *testing.T) (*Layout, *bus.Registry, *bus.Simulator) {
	t.Helper()
	reg := bus.NewRegistry()
	sim := bus.NewSimulator()
	reg.Attach(sim)
	return NewLayout(reg), reg, sim
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		input   string
		want    Kind
		wantErr bool
	}{
		{"turnout", KindTurnout, false},
		{"T", KindTurnout, false},
		{"Si", KindSignal, false},
		{"BM", KindSensor, false},
		{"button", KindButton, false},
		{"route", KindRoute, false},
		{"lamp", KindTurnout, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseKind(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseKind(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewElement(t *testing.T) {
	tests := []struct {
		name      string
		kind      Kind
		addr      int
		secondary int
		wantBits  int
		wantErr   bool
	}{
		{"single bit turnout", KindTurnout, 721, sx.Invalid, 1, false},
		{"two bit signal", KindSignal, 731, 732, 2, false},
		{"signal with unrelated secondary", KindSignal, 731, 2731, 1, false},
		{"sensor with in-route flag", KindSensor, 1201, 1202, 1, false},
		{"two bit signal at bit 8", KindSignal, 738, 739, 0, true},
		{"address too low", KindTurnout, 5, sx.Invalid, 0, true},
		{"secondary too high", KindSensor, 1201, 10000, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewElement(tt.kind, tt.addr, tt.secondary)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewElement() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidAddress) {
					t.Errorf("NewElement() error = %v, want ErrInvalidAddress", err)
				}
				return
			}
			if e.Bits() != tt.wantBits {
				t.Errorf("Bits() = %d, want %d", e.Bits(), tt.wantBits)
			}
			if e.State() != 0 {
				t.Errorf("State() = %d, want 0", e.State())
			}
		})
	}
}

func TestLayout_RejectsDuplicateAddress(t *testing.T) {
	l, _, _ := newTestLayout(t)

	if err := l.Add(mustElement(t, KindTurnout, 721, sx.Invalid)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	err := l.Add(mustElement(t, KindSignal, 721, sx.Invalid))
	if !errors.Is(err, ErrDuplicateAddress) {
		t.Errorf("Add() duplicate error = %v, want ErrDuplicateAddress", err)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

func TestLayout_ElementsSorted(t *testing.T) {
	l, _, _ := newTestLayout(t)
	for _, addr := range []int{903, 721, 812} {
		if err := l.Add(mustElement(t, KindTurnout, addr, sx.Invalid)); err != nil {
			t.Fatalf("Add(%d) error = %v", addr, err)
		}
	}

	elements := l.Elements()
	for i, want := range []int{721, 812, 903} {
		if elements[i].Address() != want {
			t.Errorf("Elements()[%d] = %d, want %d", i, elements[i].Address(), want)
		}
	}
}

func TestElement_SetStateAndPush(t *testing.T) {
	l, reg, _ := newTestLayout(t)
	turnout := mustElement(t, KindTurnout, 723, sx.Invalid)
	signal := mustElement(t, KindSignal, 725, 726)
	virtual := mustElement(t, KindSignal, 2301, sx.Invalid)
	for _, e := range []*Element{turnout, signal, virtual} {
		if err := l.Add(e); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	turnout.SetStateAndPush(StateThrown)
	if got := reg.Get(72); got != 0x04 {
		t.Errorf("channel 72 after throwing 723 = %#x, want %#x", got, 0x04)
	}

	signal.SetStateAndPush(StateYellow)
	if got := reg.Get(72); got != 0x24 {
		t.Errorf("channel 72 after signal 725 yellow = %#x, want %#x", got, 0x24)
	}

	turnout.SetStateAndPush(StateClosed)
	if got := reg.Get(72); got != 0x20 {
		t.Errorf("channel 72 after closing 723 = %#x, want %#x", got, 0x20)
	}

	virtual.SetStateAndPush(StateGreen)
	if v, ok := reg.Virtual(2301); !ok || v != StateGreen {
		t.Errorf("Virtual(2301) = %d, %v, want %d, true", v, ok, StateGreen)
	}
}

func TestElement_InfoUpdatedTracksStateChanges(t *testing.T) {
	e := mustElement(t, KindTurnout, 723, sx.Invalid)
	created := e.Info().Updated
	if created.IsZero() {
		t.Fatal("Info().Updated is zero for a new element")
	}

	e.SetState(e.State())
	if got := e.Info().Updated; !got.Equal(created) {
		t.Errorf("Updated after unchanged SetState = %v, want %v", got, created)
	}

	time.Sleep(2 * time.Millisecond)
	e.SetState(StateThrown)
	if got := e.Info().Updated; !got.After(created) {
		t.Errorf("Updated after state change = %v, want after %v", got, created)
	}
}

func TestElement_SetStateAndStageDoesNotPropagate(t *testing.T) {
	l, reg, sim := newTestLayout(t)
	e := mustElement(t, KindTurnout, 441, sx.Invalid)
	if err := l.Add(e); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ch, ok := e.SetStateAndStage(StateThrown)
	if !ok || ch != 44 {
		t.Fatalf("SetStateAndStage() = %d, %v, want 44, true", ch, ok)
	}
	if got := reg.Get(44); got != 0x01 {
		t.Errorf("Get(44) = %#x, want %#x", got, 0x01)
	}
	if sim.Writes() != 0 {
		t.Errorf("driver writes = %d, want 0", sim.Writes())
	}
}

func TestLayout_RefreshFromExternalChange(t *testing.T) {
	l, _, sim := newTestLayout(t)
	sensor := mustElement(t, KindSensor, 811, sx.Invalid)
	signal := mustElement(t, KindSignal, 813, 814)
	route := mustElement(t, KindRoute, 815, sx.Invalid)
	for _, e := range []*Element{sensor, signal, route} {
		if err := l.Add(e); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	l.Attach()
	defer l.Detach()

	// bits 1 and 4 set: sensor occupied, signal field (bits 3-4) = 2
	sim.Inject(81, 0x09)

	if got := sensor.State(); got != StateOccupied {
		t.Errorf("sensor state = %d, want %d", got, StateOccupied)
	}
	if got := signal.State(); got != StateYellow {
		t.Errorf("signal state = %d, want %d", got, StateYellow)
	}
	if got := route.State(); got != StateInactive {
		t.Errorf("route state = %d, want %d (routes ignore channel data)", got, StateInactive)
	}
}

func TestLayout_RefreshKeepsConsistentState(t *testing.T) {
	l, reg, sim := newTestLayout(t)
	signal := mustElement(t, KindSignal, 831, sx.Invalid)
	turnout := mustElement(t, KindTurnout, 832, sx.Invalid)
	for _, e := range []*Element{signal, turnout} {
		if err := l.Add(e); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	l.Attach()
	defer l.Detach()

	// a single-bit signal shows YELLOW as its bit set
	signal.SetStateAndPush(StateYellow)
	if got := signal.State(); got != StateYellow {
		t.Errorf("signal state after push = %d, want %d", got, StateYellow)
	}

	turnout.SetStateAndPush(StateThrown)
	if got := signal.State(); got != StateYellow {
		t.Errorf("signal state after write to same channel = %d, want %d", got, StateYellow)
	}

	// a raw write that clears the bit is followed
	reg.Update(83, 0x02, true)
	if got := signal.State(); got != StateRed {
		t.Errorf("signal state after raw write = %d, want %d", got, StateRed)
	}

	sim.Inject(83, 0x03)
	if got := signal.State(); got != StateGreen {
		t.Errorf("signal state after bus change = %d, want %d", got, StateGreen)
	}
	if got := turnout.State(); got != StateThrown {
		t.Errorf("turnout state = %d, want %d", got, StateThrown)
	}
}

func TestLayout_Trains(t *testing.T) {
	l, _, _ := newTestLayout(t)
	sensor := mustElement(t, KindSensor, 1201, 1202)
	turnout := mustElement(t, KindTurnout, 721, sx.Invalid)
	for _, e := range []*Element{sensor, turnout} {
		if err := l.Add(e); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	if !l.SetTrain(1201, 4711) {
		t.Fatal("SetTrain(1201) = false, want true")
	}
	if got := l.Train(1201); got != 4711 {
		t.Errorf("Train(1201) = %d, want 4711", got)
	}
	if l.SetTrain(721, 1) {
		t.Error("SetTrain on a turnout = true, want false")
	}
	if got := l.Train(721); got != sx.Invalid {
		t.Errorf("Train(721) = %d, want %d", got, sx.Invalid)
	}
	if got := l.Train(9999); got != sx.Invalid {
		t.Errorf("Train(9999) = %d, want %d", got, sx.Invalid)
	}
}

func TestElement_InRouteWritesVirtualFlag(t *testing.T) {
	l, reg, sim := newTestLayout(t)
	sensor := mustElement(t, KindSensor, 1201, 1202)
	if err := l.Add(sensor); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	sensor.SetInRoute(true)
	if v, ok := reg.Virtual(1202); !ok || v != 1 {
		t.Errorf("Virtual(1202) = %d, %v, want 1, true", v, ok)
	}
	sensor.SetInRoute(false)
	if v, _ := reg.Virtual(1202); v != 0 {
		t.Errorf("Virtual(1202) = %d, want 0", v)
	}
	if sim.Writes() != 0 {
		t.Errorf("driver writes = %d, want 0", sim.Writes())
	}
}

func TestLayout_UnlockAll(t *testing.T) {
	l, _, _ := newTestLayout(t)
	for _, addr := range []int{721, 722, 723} {
		e := mustElement(t, KindTurnout, addr, sx.Invalid)
		if err := l.Add(e); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if addr != 722 {
			e.SetLocked(true)
		}
	}

	if !l.IsLocked(721) || l.IsLocked(722) {
		t.Fatal("unexpected initial lock state")
	}
	if got := l.UnlockAll(); got != 2 {
		t.Errorf("UnlockAll() = %d, want 2", got)
	}
	if l.IsLocked(721) || l.IsLocked(723) {
		t.Error("elements still locked after UnlockAll()")
	}
	if got := l.UnlockAll(); got != 0 {
		t.Errorf("second UnlockAll() = %d, want 0", got)
	}
}
