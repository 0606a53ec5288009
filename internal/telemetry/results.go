package telemetry

// Result is a typed message produced by one acquisition step. The
// concrete types are ScalarBatch, ROIBatch and BinUpdate.
type Result interface {
	isResult()
}

// ScalarBatch holds point-detector readouts for a contiguous run of shots.
type ScalarBatch struct {
	Epoch   Epoch
	Indices []ShotIndex
	// Values maps channel name to one value per index; NaN marks a
	// missing readout.
	Values map[string][]float64
}

// ROIBatch holds ROI sums for a contiguous run of shots.
type ROIBatch struct {
	Epoch   Epoch
	Indices []ShotIndex
	Sums    map[string][]float64
}

// BinUpdate is the contribution of one worker cycle to the binned
// aggregate, plus the raw per-shot scalars for scatter views.
type BinUpdate struct {
	Epoch Epoch
	Index ShotIndex

	// PartialMeans holds this cycle's per-bin mean; bins without gated
	// samples are zero with a zero count.
	PartialMeans []float64
	Counts       []int
	Centers      []float64
	Gated        int
	OutOfRange   int

	// Raw readouts of the shot, recorded whether or not it was gated.
	Intensity float64
	Beam      float64
	ROI       float64
	Delay     float64
}

func (ScalarBatch) isResult() {}
func (ROIBatch) isResult()    {}
func (BinUpdate) isResult()   {}
