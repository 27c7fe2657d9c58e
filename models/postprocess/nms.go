package postprocess

import (
	"runtime"
	"sort"
	"sync"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 // Boxes overlapping an accepted box by more than this are dropped.
	ClassAware   bool    // If true, suppress only within same class.
	NumWorkers   int     // Number of goroutines used by ApplyBatchNMS.
}

// ApplyGreedyNMS performs standard greedy Non-Maximum Suppression on one image.
//
// Candidate indices are stably sorted by ascending BBoxConfidence and popped
// from the back, so the most confident remaining box is considered first. A
// box is accepted only if its IoU against every accepted box is at most
// config.IoUThreshold. Among equal confidences the later input box wins.
//
// Arguments:
//   - boxes: One image's detections, in any order.
//   - config: NMS configuration.
//
// Returns:
//   - The accepted boxes in acceptance order (descending confidence).
func ApplyGreedyNMS(boxes []BoundingBox, config *NMSConfig) []BoundingBox {
	n := len(boxes)
	if n == 0 {
		return nil
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return boxes[order[i]].BBoxConfidence < boxes[order[j]].BBoxConfidence
	})

	accepted := make([]BoundingBox, 0, n)
	for len(order) > 0 {
		candidate := boxes[order[len(order)-1]]
		order = order[:len(order)-1]

		keep := true
		for _, kept := range accepted {
			if config.ClassAware && kept.ClassID != candidate.ClassID {
				continue
			}
			if candidate.IoU(kept) > config.IoUThreshold {
				keep = false
				break
			}
		}
		if keep {
			accepted = append(accepted, candidate)
		}
	}

	return accepted
}

// ApplyBatchNMS runs ApplyGreedyNMS for every image of a batch. Images are
// independent and are spread over config.NumWorkers goroutines; each image is
// still suppressed sequentially.
//
// Arguments:
//   - batch: Per-image detections.
//   - config: NMS configuration.
//
// Returns:
//   - Per-image filtered detections, index aligned with batch.
func ApplyBatchNMS(batch [][]BoundingBox, config *NMSConfig) [][]BoundingBox {
	out := make([][]BoundingBox, len(batch))
	if len(batch) == 0 {
		return out
	}

	workers := config.NumWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, len(batch))

	jobs := make(chan int, len(batch))
	for i := range batch {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out[i] = ApplyGreedyNMS(batch[i], config)
			}
		}()
	}
	wg.Wait()

	return out
}
