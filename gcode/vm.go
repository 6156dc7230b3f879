package gcode

import (
	"errors"

	"github.com/mastercactapus/cnclink/coord"
)

// VM tracks modal interpreter state block by block: active motion mode,
// units, distance mode, coordinate system, feed and spindle words, and
// the resulting machine/work position.
type VM struct {
	pos coord.Position
	wco coord.Position

	modal [256]float64

	feed    float64
	spindle float64
}

// NewVM constructs a VM with grbl power-on defaults.
func NewVM() *VM {
	vm := &VM{}

	vm.modal[ModalGroupMotion] = 0
	vm.modal[ModalGroupCoordinateSystem] = 54
	vm.modal[ModalGroupPlaneSelection] = 17
	vm.modal[ModalGroupDistanceMode] = 90
	vm.modal[ModalGroupArcDistanceMode] = 91.1
	vm.modal[ModalGroupFeedRateMode] = 94
	vm.modal[ModalGroupUnits] = 21
	vm.modal[ModalGroupCutterCompensationMode] = 40
	vm.modal[ModalGroupToolLength] = 49
	vm.modal[ModalGroupStopping] = 0
	vm.modal[ModalGroupSpindle] = 5
	vm.modal[ModalGroupCoolant] = 9

	return vm
}

func (vm VM) Inches() bool         { return vm.modal[ModalGroupUnits] == 20 }
func (vm VM) RelativeMotion() bool { return vm.modal[ModalGroupDistanceMode] == 91 }

// Modal returns the active value for a modal group.
func (vm VM) Modal(g ModalGroup) float64 { return vm.modal[g] }

func (vm VM) FeedRate() float64     { return vm.feed }
func (vm VM) SpindleSpeed() float64 { return vm.spindle }

func (vm VM) WPos() coord.Position { return vm.pos.Sub(vm.wco) }
func (vm VM) MPos() coord.Position { return vm.pos }

func (vm *VM) SetMPos(p coord.Position) { vm.pos = p }
func (vm *VM) SetWCO(p coord.Position)  { vm.wco = p }
func (vm VM) WCO() coord.Position       { return vm.wco }

func isSupported(g Word) bool {
	if g.IsAxis() {
		return true
	}

	switch g.W {
	case 'F', 'S':
		return true
	case 'G':
		switch g.Arg {
		case 0, 1, 4, 17, 18, 19, 20, 21, 38.2, 53, 54, 55, 56, 57, 58, 59, 90, 91, 92, 94:
			return true
		}
	case 'M':
		switch g.Arg {
		case 0, 2, 3, 4, 5, 7, 8, 9, 30:
			return true
		}
	}

	return false
}

func applyAxes(p coord.Position, b Block, mul float64) coord.Position {
	for _, g := range b {
		switch g.W {
		case 'X':
			p.X = g.Arg * mul
		case 'Y':
			p.Y = g.Arg * mul
		case 'Z':
			p.Z = g.Arg * mul
		case 'A':
			p.A = g.Arg
		case 'B':
			p.B = g.Arg
		case 'C':
			p.C = g.Arg
		}
	}

	return p
}

// Run validates b and applies it to the modal state.
func (vm *VM) Run(b Block) error {
	err := b.Validate()
	if err != nil {
		return err
	}
	var machineCoords bool
	for _, g := range b {
		mg := g.ModalGroup()
		switch mg {
		case ModalGroupNone, ModalGroupNonModal:
		case ModalGroupFeedRate:
			vm.feed = g.Arg
		case ModalGroupSpindleSpeed:
			vm.spindle = g.Arg
		default:
			vm.modal[mg] = g.Arg
		}
		if g == (Word{W: 'G', Arg: 53.0}) {
			machineCoords = true
		}
		if !isSupported(g) {
			return errors.New("unsupported code: " + g.String())
		}
	}

	args := b.Args()
	if len(args) == 0 {
		return nil
	}

	mul := 1.0
	if vm.Inches() {
		mul = 25.4
	}
	if vm.RelativeMotion() {
		vm.pos = vm.pos.Add(applyAxes(coord.Position{}, args, mul))
	} else if machineCoords {
		vm.pos = applyAxes(vm.pos, args, 1)
	} else {
		vm.pos = applyAxes(vm.WPos(), args, mul).Add(vm.wco)
	}

	return nil
}
