package registry

import (
	"context"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Userdata keys written by the annotator.
const (
	KeyParent     = "parent"
	KeyParentID   = "parent_id"
	KeyParentDate = "parent_date"
)

// Modifier writes annotation fields of one snapshot.
type Modifier interface {
	Modify(ctx context.Context, id int, description, userdata string) error
}

// Annotator labels snapshots that appeared since a "before" view.
type Annotator struct {
	reader *Reader
	mod    Modifier
}

// NewAnnotator creates an Annotator that re-reads and writes through reader.
func NewAnnotator(reader *Reader) *Annotator {
	return &Annotator{reader: reader, mod: reader}
}

// Label is the annotation written to one new snapshot.
type Label struct {
	ID          int
	Description string
	Userdata    string
	Err         error
}

// AnnotateResult summarises an annotation pass.
type AnnotateResult struct {
	Available bool
	Lineage   int // 0 when unknown
	Labels    []Label
	Written   int
	Failed    int
}

// NewIDs returns the ids that were labeled (or attempted).
func (r AnnotateResult) NewIDs() []int {
	ids := make([]int, 0, len(r.Labels))
	for _, l := range r.Labels {
		ids = append(ids, l.ID)
	}
	return ids
}

// Annotate reads the registry again and labels every snapshot absent from
// before. Failures are logged and counted, never returned.
func (a *Annotator) Annotate(ctx context.Context, description string, before View) AnnotateResult {
	return a.AnnotateView(ctx, description, before, a.reader.Read(ctx))
}

// AnnotateView labels the records of after that are absent from before.
func (a *Annotator) AnnotateView(ctx context.Context, description string, before, after View) AnnotateResult {
	res := AnnotateResult{Available: before.Available && after.Available}
	if !res.Available {
		log.Debugf("[Registry] tracking unavailable, skipping annotation")
		return res
	}

	added := after.Added(before)
	if len(added) == 0 {
		return res
	}
	res.Lineage = Lineage(before)

	for _, rec := range added {
		desc := description
		if desc == "" {
			desc = rec.Description
		}
		label := Label{ID: rec.ID, Description: desc, Userdata: BuildUserdata(rec, res.Lineage, after, before)}
		if err := a.mod.Modify(ctx, rec.ID, label.Description, label.Userdata); err != nil {
			log.Warnf("[Registry] failed to annotate snapshot %d: %v", rec.ID, err)
			label.Err = err
			res.Failed++
		} else {
			log.Debugf("[Registry] annotated snapshot %d: %s", rec.ID, label.Userdata)
			res.Written++
		}
		res.Labels = append(res.Labels, label)
	}
	return res
}

// Lineage guesses which snapshot a new one descends from: the active record
// of before, else its largest id. Returns 0 when before is empty.
func Lineage(before View) int {
	if r, ok := before.Active(); ok {
		return r.ID
	}
	if max, ok := before.MaxID(); ok {
		return max
	}
	return 0
}

// BuildUserdata merges rec's existing userdata with the lineage fields.
// parent_id and parent_date come from the parent snapper recorded for rec.
// Fields with an empty, "-" or "0" value are omitted.
func BuildUserdata(rec Record, lineage int, views ...View) string {
	replaced := map[string]bool{KeyParent: true, KeyParentID: true, KeyParentDate: true}

	keys := make([]string, 0, len(rec.Userdata))
	for k := range rec.Userdata {
		if !replaced[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var pairs []string
	for _, k := range keys {
		pairs = append(pairs, k+"="+rec.Userdata[k])
	}
	add := func(k, v string) {
		if v == "" || v == "-" || v == "0" {
			return
		}
		pairs = append(pairs, k+"="+sanitize(v))
	}

	add(KeyParent, strconv.Itoa(lineage))
	if rec.HasParent {
		add(KeyParentID, strconv.Itoa(rec.ParentID))
		add(KeyParentDate, strings.ReplaceAll(dateFor(rec.ParentID, views), " ", "T"))
	}

	return strings.Join(pairs, ",")
}

func dateFor(id int, views []View) string {
	if id == 0 {
		return ""
	}
	for _, v := range views {
		if r, ok := v.Get(id); ok && r.Date != "" {
			return r.Date
		}
	}
	return ""
}

// sanitize keeps values from breaking snapper's k=v,k=v syntax
func sanitize(v string) string {
	return strings.NewReplacer(",", "_", "=", "_").Replace(v)
}

func itoa(n int) string { return strconv.Itoa(n) }
