// internal/rfcodec/codec.go
package rfcodec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Match is one successful protocol decode of a received pulse train
type Match struct {
	Protocol string         `json:"protocol"`
	Values   map[string]any `json:"values"`
}

// Codec maps named RF protocols to and from the firmware's wire-level
// timing representation: a table of pulse lengths plus a pulse sequence
// indexing into it.
type Codec interface {
	// Decode matches a received pulse train against every known protocol
	// and returns all successful decodes, possibly none
	Decode(pulseLengths []int, pulseSequence string) []Match

	// Encode renders protocol values into a pulse sequence for transmission
	Encode(protocol string, values map[string]any) (string, error)

	// PulseLengths returns the protocol's canonical pulse length table
	PulseLengths(protocol string) ([]int, error)

	// Protocols returns all known protocol names, naturally sorted
	Protocols() []string
}

// matchTolerance is the allowed relative deviation between a received
// pulse length and a protocol's canonical one
const matchTolerance = 0.35

// pulseProtocol describes one RF protocol's timing grammar
type pulseProtocol struct {
	name         string
	pulseLengths []int
	header       string
	footer       string
	// mapping translates one pulse pair into one payload bit
	mapping map[string]byte
	decode  func(binary string) (map[string]any, error)
	encode  func(values map[string]any) (string, error)
}

// codec is the built-in Codec over a fixed protocol table
type codec struct {
	protocols map[string]*pulseProtocol
	names     []string
}

// NewCodec returns the built-in codec with all bundled protocols
func NewCodec() Codec {
	c := &codec{protocols: make(map[string]*pulseProtocol)}
	for _, p := range bundledProtocols() {
		c.protocols[p.name] = p
		c.names = append(c.names, p.name)
	}
	sort.Slice(c.names, func(i, j int) bool {
		return naturalLess(c.names[i], c.names[j])
	})
	return c
}

// Protocols returns all known protocol names, naturally sorted
func (c *codec) Protocols() []string {
	names := make([]string, len(c.names))
	copy(names, c.names)
	return names
}

// PulseLengths returns the protocol's canonical pulse length table
func (c *codec) PulseLengths(protocol string) ([]int, error) {
	p, ok := c.protocols[protocol]
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}
	lengths := make([]int, len(p.pulseLengths))
	copy(lengths, p.pulseLengths)
	return lengths, nil
}

// Decode matches a received pulse train against every known protocol.
// The firmware reports pulse lengths in detection order padded with
// zeros; they are normalized to ascending order (with the sequence
// remapped accordingly) before protocol tables are compared.
func (c *codec) Decode(pulseLengths []int, pulseSequence string) []Match {
	lengths, sequence, err := normalizePulses(pulseLengths, pulseSequence)
	if err != nil {
		return nil
	}

	var matches []Match
	for _, name := range c.names {
		p := c.protocols[name]
		if !p.matchesLengths(lengths) {
			continue
		}
		values, err := p.decodeSequence(sequence)
		if err != nil {
			continue
		}
		matches = append(matches, Match{Protocol: p.name, Values: values})
	}
	return matches
}

// Encode renders protocol values into a pulse sequence for transmission
func (c *codec) Encode(protocol string, values map[string]any) (string, error) {
	p, ok := c.protocols[protocol]
	if !ok {
		return "", fmt.Errorf("unknown protocol %q", protocol)
	}

	binary, err := p.encode(values)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", protocol, err)
	}

	var sb strings.Builder
	sb.WriteString(p.header)
	for _, bit := range []byte(binary) {
		pair, err := p.pairForBit(bit)
		if err != nil {
			return "", err
		}
		sb.WriteString(pair)
	}
	sb.WriteString(p.footer)
	return sb.String(), nil
}

// matchesLengths reports whether the normalized received lengths fit the
// protocol's canonical table within tolerance
func (p *pulseProtocol) matchesLengths(lengths []int) bool {
	if len(lengths) != len(p.pulseLengths) {
		return false
	}
	for i, canonical := range p.pulseLengths {
		delta := float64(lengths[i]) - float64(canonical)
		if delta < 0 {
			delta = -delta
		}
		if delta > float64(canonical)*matchTolerance {
			return false
		}
	}
	return true
}

// decodeSequence strips header and footer, maps pulse pairs to bits and
// hands the binary payload to the protocol's field decoder
func (p *pulseProtocol) decodeSequence(sequence string) (map[string]any, error) {
	if !strings.HasPrefix(sequence, p.header) || !strings.HasSuffix(sequence, p.footer) {
		return nil, fmt.Errorf("sequence framing does not match %s", p.name)
	}
	payload := sequence[len(p.header) : len(sequence)-len(p.footer)]
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("odd payload length in %s sequence", p.name)
	}

	var binary strings.Builder
	for i := 0; i < len(payload); i += 2 {
		bit, ok := p.mapping[payload[i:i+2]]
		if !ok {
			return nil, fmt.Errorf("unmapped pulse pair %q in %s sequence", payload[i:i+2], p.name)
		}
		binary.WriteByte(bit)
	}

	return p.decode(binary.String())
}

// pairForBit is the inverse of the pulse pair mapping
func (p *pulseProtocol) pairForBit(bit byte) (string, error) {
	for pair, b := range p.mapping {
		if b == bit {
			return pair, nil
		}
	}
	return "", fmt.Errorf("bit %q has no pulse pair in %s", bit, p.name)
}

// normalizePulses trims zero padding, sorts the pulse lengths ascending
// and rewrites the sequence through the resulting index permutation.
func normalizePulses(pulseLengths []int, pulseSequence string) ([]int, string, error) {
	var lengths []int
	for _, l := range pulseLengths {
		if l > 0 {
			lengths = append(lengths, l)
		}
	}
	if len(lengths) == 0 {
		return nil, "", fmt.Errorf("no pulse lengths")
	}

	indices := make([]int, len(lengths))
	for i := range indices {
		indices[i] = i
	}
	sort.Slice(indices, func(i, j int) bool {
		return lengths[indices[i]] < lengths[indices[j]]
	})

	sorted := make([]int, len(lengths))
	remap := make(map[byte]byte, len(lengths))
	for newIdx, oldIdx := range indices {
		sorted[newIdx] = lengths[oldIdx]
		remap[byte('0'+oldIdx)] = byte('0' + newIdx)
	}

	mapped := make([]byte, len(pulseSequence))
	for i := 0; i < len(pulseSequence); i++ {
		b, ok := remap[pulseSequence[i]]
		if !ok {
			return nil, "", fmt.Errorf("pulse index %q out of range", pulseSequence[i])
		}
		mapped[i] = b
	}

	return sorted, string(mapped), nil
}

// binaryToInt parses a bit string as an unsigned integer
func binaryToInt(binary string) (int, error) {
	if binary == "" {
		return 0, fmt.Errorf("empty bit field")
	}
	n, err := strconv.ParseInt(binary, 2, 64)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// intToBinary renders n as a fixed-width bit string
func intToBinary(n, width int) (string, error) {
	if n < 0 || n >= 1<<width {
		return "", fmt.Errorf("value %d does not fit in %d bits", n, width)
	}
	return fmt.Sprintf("%0*b", width, n), nil
}

// naturalLess compares strings so that embedded numbers order numerically:
// switch2 sorts before switch10.
func naturalLess(a, b string) bool {
	for len(a) > 0 && len(b) > 0 {
		if isDigit(a[0]) && isDigit(b[0]) {
			aNum, aRest := leadingNumber(a)
			bNum, bRest := leadingNumber(b)
			if aNum != bNum {
				return aNum < bNum
			}
			a, b = aRest, bRest
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func leadingNumber(s string) (int, string) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	n, _ := strconv.Atoi(s[:i])
	return n, s[i:]
}
