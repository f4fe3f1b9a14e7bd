package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/rasd/internal/ras"
	"golang.org/x/term"
)

// PDU kinds accepted by decode --as.
const (
	kindBody     = "body"
	kindSegment  = "segment"
	kindCommand  = "command"
	kindResponse = "response"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode a ranging data body, segment or control-point PDU",
	Long: `Pretty-prints ranging service wire data given as hex (spaces and colons ignored).

A filtered body does not describe its own field layout: pass the filters it
was built with (--filter mode=mask), whether mode 0 steps carry a frequency
offset (--initiator) and whether mode 1/3 steps carry packet PCTs (--packet-pct).

Examples:
  # Ranging data body built with default filters
  rasd decode 05000001020100000100000203d801bc0a...

  # One data-channel segment
  rasd decode --as segment 01050000010201

  # Control-point command and response
  rasd decode --as command 000700
  rasd decode --as response 0203

  # Body built with a mode 2 filter keeping antenna path 1 only
  rasd decode --filter 2=0x0002 <hex>`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

var (
	decodeAs        string
	decodeFilters   []string
	decodeInitiator bool
	decodePacketPCT bool
	decodeColor     string
)

func init() {
	decodeCmd.Flags().StringVar(&decodeAs, "as", kindBody, "Input kind: body, segment, command or response")
	decodeCmd.Flags().StringSliceVar(&decodeFilters, "filter", nil, "Body filter as mode=mask, repeatable (default: all fields)")
	decodeCmd.Flags().BoolVar(&decodeInitiator, "initiator", true, "Mode 0 steps carry a frequency offset")
	decodeCmd.Flags().BoolVar(&decodePacketPCT, "packet-pct", false, "Mode 1/3 steps carry packet PCTs")
	decodeCmd.Flags().StringVar(&decodeColor, "color", "auto", "Colorize output: auto, always or never")
}

func runDecode(cmd *cobra.Command, args []string) error {
	data, err := parseHexArg(args[0])
	if err != nil {
		return err
	}
	layout, err := parseBodyLayout(decodeFilters, decodeInitiator, decodePacketPCT)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var colored bool
	switch decodeColor {
	case "always":
		colored = true
	case "never":
		colored = false
	case "auto":
		colored = isTerminal(out)
	default:
		return fmt.Errorf("invalid --color value %q (must be auto, always or never)", decodeColor)
	}

	cmd.SilenceUsage = true

	p := newPrinter(out, colored)
	switch decodeAs {
	case kindBody:
		body, err := ras.ParseBody(data, layout)
		if err != nil {
			return err
		}
		p.body(body)
	case kindSegment:
		if len(data) == 0 {
			return fmt.Errorf("%w: empty segment", ErrInvalidHex)
		}
		hdr := ras.ParseSegmentHeader(data[0])
		p.title("segment")
		p.line("%s payload=%s (%d bytes)", hdr, hex.EncodeToString(data[1:]), len(data)-1)
	case kindCommand:
		c, err := ras.ParseCommand(data)
		if err != nil {
			return err
		}
		p.title("command")
		p.line("%s", describeCommand(c))
	case kindResponse:
		r, err := ras.ParseResponse(data)
		if err != nil {
			return err
		}
		p.title("response")
		p.line("%s", r)
	default:
		return fmt.Errorf("%w: %q (must be body, segment, command or response)", ErrUnknownKind, decodeAs)
	}
	return p.err
}

func parseHexArg(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(strings.TrimSpace(s))
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return data, nil
}

// parseBodyLayout builds a body layout from mode=mask filter specs.
func parseBodyLayout(filters []string, initiator, packetPCT bool) (ras.BodyLayout, error) {
	layout := ras.DefaultBodyLayout()
	layout.Initiator = initiator
	layout.PacketPCT = packetPCT
	for _, f := range filters {
		modeStr, maskStr, ok := strings.Cut(f, "=")
		if !ok {
			return layout, fmt.Errorf("invalid filter %q (want mode=mask)", f)
		}
		mode, err := strconv.ParseUint(modeStr, 10, 8)
		if err != nil || mode > uint64(ras.StepMode3) {
			return layout, fmt.Errorf("invalid filter mode %q (must be 0..3)", modeStr)
		}
		mask, err := strconv.ParseUint(maskStr, 0, 16)
		if err != nil {
			return layout, fmt.Errorf("invalid filter mask %q: %w", maskStr, err)
		}
		layout.Masks[mode] = uint16(mask)
	}
	return layout, nil
}

func describeCommand(c ras.Command) string {
	switch c.Opcode {
	case ras.OpGetRangingData, ras.OpAckRangingData:
		return fmt.Sprintf("%s counter=%d", c.Opcode, c.ProcedureCounter)
	case ras.OpRetrieveLostRangingData:
		return fmt.Sprintf("%s counter=%d start=%d end=%d", c.Opcode, c.ProcedureCounter, c.StartSegment, c.EndSegment)
	case ras.OpFilter:
		mode, mask, err := ras.DecodeFilterValue(c.FilterValue)
		if err != nil {
			return fmt.Sprintf("%s value=0x%04x (invalid: %v)", c.Opcode, c.FilterValue, err)
		}
		return fmt.Sprintf("%s mode=%d mask=0x%04x", c.Opcode, mode, mask)
	case ras.OpPCTFilter:
		return fmt.Sprintf("%s format=%s", c.Opcode, c.PCTFormat)
	}
	return c.Opcode.String()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// printer writes decode output, remembering the first write error.
type printer struct {
	w     io.Writer
	head  *color.Color
	faint *color.Color
	err   error
}

func newPrinter(w io.Writer, colored bool) *printer {
	p := &printer{w: w, head: color.New(color.FgCyan, color.Bold), faint: color.New(color.FgYellow)}
	for _, c := range []*color.Color{p.head, p.faint} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) write(s string) {
	if p.err == nil {
		_, p.err = io.WriteString(p.w, s)
	}
}

func (p *printer) title(s string) {
	p.write(p.head.Sprint(s) + "\n")
}

func (p *printer) line(format string, args ...interface{}) {
	p.write(fmt.Sprintf(format, args...) + "\n")
}

func doneStatus(v uint8) string {
	switch v {
	case ras.DoneStatusComplete:
		return "complete"
	case ras.DoneStatusPartial:
		return "partial"
	case ras.DoneStatusAborted:
		return "aborted"
	}
	return fmt.Sprintf("0x%x", v)
}

func (p *printer) body(b *ras.ParsedBody) {
	h := b.Header
	p.title("procedure")
	p.line("counter=%d config=%d tx_power=%ddBm antenna_paths=0x%x pct_format=%s",
		h.Counter, h.ConfigID, h.SelectedTxPower, h.AntennaPathsMask, h.PCTFormat)

	for i, sub := range b.Subevents {
		sh := sub.Header
		p.title(fmt.Sprintf("subevent %d", i))
		p.line("acl_event=%d freq_comp=%d done=%s/%s abort=%d/%d ref_power=%ddBm steps=%d",
			sh.StartACLConnEvent, sh.FrequencyCompensation,
			doneStatus(sh.ProcedureDoneStatus), doneStatus(sh.SubeventDoneStatus),
			sh.ProcedureAbortReason, sh.SubeventAbortReason, sh.ReferencePowerLevel, sh.NumStepsReported)

		for k, step := range sub.Steps {
			if step.Aborted {
				p.line("  step %d mode=%d %s", k, step.Mode, p.faint.Sprint("aborted"))
				continue
			}
			p.line("  step %d mode=%d %s", k, step.Mode, hex.EncodeToString(step.Fields))
			for n, tone := range step.Tones {
				if h.PCTFormat == ras.PCTFormatPhase {
					p.line("    tone %d phase=%.4f", n, ras.DecodePhase(tone))
					continue
				}
				iv, qv := ras.IQFromPCT(tone)
				p.line("    tone %d i=%d q=%d", n, iv, qv)
			}
		}
	}
}
