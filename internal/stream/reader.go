package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/calexplorer/internal/proposal"
)

// ErrStream reports an error part sent by the server.
var ErrStream = errors.New("stream error")

// Part is one decoded line. Exactly one payload field is set, chosen
// by Code. Unknown codes are returned with only Code and Raw set.
type Part struct {
	Code       byte
	Raw        json.RawMessage
	Text       string
	StepStart  *StepStartPart
	ToolCall   *ToolCallPart
	ToolResult *ToolResultPart
	StepFinish *StepFinishPart
	Finish     *FinishPart
	Error      string
}

// Reader decodes parts from a data stream.
type Reader struct {
	sc   *bufio.Scanner
	line int
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Reader{sc: sc}
}

// Next returns the next part, or io.EOF at the end of the stream.
// Blank lines are skipped.
func (r *Reader) Next() (Part, error) {
	for r.sc.Scan() {
		r.line++
		line := strings.TrimRight(r.sc.Text(), "\r")
		if line == "" {
			continue
		}
		return r.decode(line)
	}
	if err := r.sc.Err(); err != nil {
		return Part{}, fmt.Errorf("read stream: %w", err)
	}
	return Part{}, io.EOF
}

func (r *Reader) decode(line string) (Part, error) {
	if len(line) < 2 || line[1] != ':' {
		return Part{}, fmt.Errorf("line %d: missing part code", r.line)
	}
	p := Part{Code: line[0], Raw: json.RawMessage(line[2:])}

	var target any
	switch p.Code {
	case CodeText:
		target = &p.Text
	case CodeError:
		target = &p.Error
	case CodeStepStart:
		p.StepStart = &StepStartPart{}
		target = p.StepStart
	case CodeToolCall:
		p.ToolCall = &ToolCallPart{}
		target = p.ToolCall
	case CodeToolResult:
		p.ToolResult = &ToolResultPart{}
		target = p.ToolResult
	case CodeStepFinish:
		p.StepFinish = &StepFinishPart{}
		target = p.StepFinish
	case CodeFinish:
		p.Finish = &FinishPart{}
		target = p.Finish
	default:
		return p, nil
	}
	if err := json.Unmarshal(p.Raw, target); err != nil {
		return Part{}, fmt.Errorf("line %d: decode part %c: %w", r.line, p.Code, err)
	}
	return p, nil
}

// Transcript is a fully read stream.
type Transcript struct {
	// Message is the assistant message with every tool invocation.
	// Invocations whose result never arrived stay pending.
	Message          proposal.Message
	FinishReason     string
	StepBoundReached bool
	Usage            Usage
}

// Collect reads the whole stream into a Transcript, calling onPart (if
// non-nil) for each part as it arrives. An error part ends collection
// with an error wrapping ErrStream; the partial transcript is returned
// alongside it.
func Collect(r io.Reader, onPart func(Part)) (*Transcript, error) {
	t := &Transcript{Message: proposal.Message{Role: proposal.RoleAssistant}}
	index := map[string]int{}
	var text strings.Builder
	rd := NewReader(r)

	for {
		p, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Message.Content = text.String()
			return t, err
		}
		if onPart != nil {
			onPart(p)
		}

		switch p.Code {
		case CodeStepStart:
			if t.Message.ID == "" {
				t.Message.ID = p.StepStart.MessageID
			}
		case CodeText:
			text.WriteString(p.Text)
		case CodeToolCall:
			index[p.ToolCall.ToolCallID] = len(t.Message.ToolInvocations)
			t.Message.ToolInvocations = append(t.Message.ToolInvocations, proposal.ToolInvocation{
				ID:       p.ToolCall.ToolCallID,
				ToolName: p.ToolCall.ToolName,
				Args:     p.ToolCall.Args,
				State:    proposal.StatePending,
			})
		case CodeToolResult:
			i, ok := index[p.ToolResult.ToolCallID]
			if !ok || t.Message.ToolInvocations[i].State == proposal.StateResult {
				continue
			}
			t.Message.ToolInvocations[i].State = proposal.StateResult
			t.Message.ToolInvocations[i].Result = p.ToolResult.Result
		case CodeStepFinish:
			t.Usage.PromptTokens += p.StepFinish.Usage.PromptTokens
			t.Usage.CompletionTokens += p.StepFinish.Usage.CompletionTokens
		case CodeFinish:
			t.FinishReason = p.Finish.FinishReason
			t.StepBoundReached = p.Finish.StepBoundReached
		case CodeError:
			t.Message.Content = text.String()
			return t, fmt.Errorf("%w: %s", ErrStream, p.Error)
		}
	}
	t.Message.Content = text.String()
	return t, nil
}
