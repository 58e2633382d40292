package planprojector

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/dentalcrm/synccore/pkg/models"
)

// Render produces the deterministic multi-line plan projection: lines
// sorted stably by line id, each formatted "{count}× {name} — {total}",
// with a grand-total footer.
func Render(lines []models.TreatmentPlanLine) string {
	sorted := make([]models.TreatmentPlanLine, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].LineID < sorted[j].LineID })

	var b strings.Builder
	var grandTotal float64
	for _, l := range sorted {
		total := l.Total()
		grandTotal += total
		fmt.Fprintf(&b, "%d× %s — %.2f\n", l.Count, l.Name, total)
	}
	fmt.Fprintf(&b, "Total: %.2f", grandTotal)

	return b.String()
}

// Hash computes a stable, non-cryptographic hash of a rendered projection,
// used to detect whether the CRM's copy is already up to date.
func Hash(rendered string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(rendered))
	return h.Sum64()
}
