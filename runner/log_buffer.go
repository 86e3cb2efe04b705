package runner

// LogBuffer collects the scalar log variables of iterations. Average turns
// the most recent entries into Output, which logger hooks read.
type LogBuffer struct {
	history map[string][]float64
	counts  map[string][]int
	// Output holds the latest averages, and values hooks set directly.
	Output map[string]float64
	// Ready is set once Output holds values worth logging.
	Ready bool
}

func NewLogBuffer() *LogBuffer {
	return &LogBuffer{
		history: make(map[string][]float64),
		counts:  make(map[string][]int),
		Output:  make(map[string]float64),
	}
}

// Update appends one entry per variable, weighted by count samples.
func (b *LogBuffer) Update(vars map[string]float64, count int) {
	if count < 1 {
		count = 1
	}
	for k, v := range vars {
		b.history[k] = append(b.history[k], v)
		b.counts[k] = append(b.counts[k], count)
	}
}

// Average sets Output to the sample-weighted mean of the last n entries of
// every variable; n <= 0 averages all of them.
func (b *LogBuffer) Average(n int) {
	for k, hist := range b.history {
		counts := b.counts[k]
		start := 0
		if n > 0 && len(hist) > n {
			start = len(hist) - n
		}
		var sum, total float64
		for i := start; i < len(hist); i++ {
			sum += hist[i] * float64(counts[i])
			total += float64(counts[i])
		}
		if total > 0 {
			b.Output[k] = sum / total
		}
	}
	b.Ready = true
}

// Latest returns the most recent value of a variable.
func (b *LogBuffer) Latest(key string) (float64, bool) {
	hist := b.history[key]
	if len(hist) == 0 {
		return 0, false
	}
	return hist[len(hist)-1], true
}

// Clear drops history and output.
func (b *LogBuffer) Clear() {
	b.history = make(map[string][]float64)
	b.counts = make(map[string][]int)
	b.ClearOutput()
}

// ClearOutput drops the output only.
func (b *LogBuffer) ClearOutput() {
	b.Output = make(map[string]float64)
	b.Ready = false
}
