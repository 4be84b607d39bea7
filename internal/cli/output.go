package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cory-johannsen/cloudtown/internal/frontend/httpapi"
)

// Output formats command results as text or JSON.
type Output struct {
	w      io.Writer
	format string
}

// NewOutput creates an Output writing to w.
func NewOutput(w io.Writer, format string) *Output {
	return &Output{w: w, format: format}
}

// Print writes data in the configured format.
func (o *Output) Print(data any) error {
	if o.format == "json" {
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}

	switch v := data.(type) {
	case httpapi.HealthResponse:
		_, err := fmt.Fprintf(o.w, "status: %s\nconnections: %d\nrooms: %d\nplayers: %d\n",
			v.Status, v.Players, v.Rooms, v.TotalPlayers)
		return err
	case []roomSummary:
		tw := tabwriter.NewWriter(o.w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ROOM\tMEMBERS\tCREATED")
		for _, r := range v {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", r.ID, r.Members, r.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	case httpapi.RoomResponse:
		tw := tabwriter.NewWriter(o.w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "room %s\n", v.ID)
		fmt.Fprintln(tw, "ID\tNAME\tX\tY\tFACING\tMOVING")
		for _, p := range v.Players {
			fmt.Fprintf(tw, "%s\t%s\t%.0f\t%.0f\t%s\t%t\n", p.ID, p.Name, p.X, p.Y, p.Direction, p.IsMoving)
		}
		return tw.Flush()
	default:
		_, err := fmt.Fprintf(o.w, "%v\n", v)
		return err
	}
}
