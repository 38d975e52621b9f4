// internal/rfcodec/protocols.go
package rfcodec

import "fmt"

// bundledProtocols returns the protocol table shipped with the service.
// Each protocol describes a self-clocking OOK grammar: a header pulse
// pair, a payload of pulse pairs mapping to bits, and a footer pair.
func bundledProtocols() []*pulseProtocol {
	return []*pulseProtocol{
		switch1(),
		switch2(),
		pir1(),
	}
}

// switch1 covers the common self-learning socket remotes: a 26-bit id, a
// group ("all") flag, a state flag and a 4-bit unit number.
func switch1() *pulseProtocol {
	return &pulseProtocol{
		name:         "switch1",
		pulseLengths: []int{268, 1282, 2632, 10168},
		header:       "02",
		footer:       "03",
		mapping: map[string]byte{
			"01": '0',
			"10": '1',
		},
		decode: func(binary string) (map[string]any, error) {
			if len(binary) != 32 {
				return nil, fmt.Errorf("expected 32 payload bits, got %d", len(binary))
			}
			id, err := binaryToInt(binary[0:26])
			if err != nil {
				return nil, err
			}
			unit, err := binaryToInt(binary[28:32])
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"id":    id,
				"all":   binary[26] == '1',
				"state": binary[27] == '1',
				"unit":  unit,
			}, nil
		},
		encode: func(values map[string]any) (string, error) {
			id, err := intValue(values, "id")
			if err != nil {
				return "", err
			}
			unit, err := intValue(values, "unit")
			if err != nil {
				return "", err
			}
			idBits, err := intToBinary(id, 26)
			if err != nil {
				return "", err
			}
			unitBits, err := intToBinary(unit, 4)
			if err != nil {
				return "", err
			}
			return idBits + boolBit(values["all"]) + boolBit(values["state"]) + unitBits, nil
		},
	}
}

// switch2 covers the older fixed-code sockets with DIP-switch addressing:
// a 5-bit house code and a 5-bit unit code.
func switch2() *pulseProtocol {
	return &pulseProtocol{
		name:         "switch2",
		pulseLengths: []int{306, 957, 9808},
		header:       "",
		footer:       "02",
		mapping: map[string]byte{
			"01": '0',
			"10": '1',
		},
		decode: func(binary string) (map[string]any, error) {
			if len(binary) != 12 {
				return nil, fmt.Errorf("expected 12 payload bits, got %d", len(binary))
			}
			houseCode, err := binaryToInt(binary[0:5])
			if err != nil {
				return nil, err
			}
			unitCode, err := binaryToInt(binary[5:10])
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"houseCode": houseCode,
				"unitCode":  unitCode,
				"state":     binary[11] == '1',
			}, nil
		},
		encode: func(values map[string]any) (string, error) {
			houseCode, err := intValue(values, "houseCode")
			if err != nil {
				return "", err
			}
			unitCode, err := intValue(values, "unitCode")
			if err != nil {
				return "", err
			}
			houseBits, err := intToBinary(houseCode, 5)
			if err != nil {
				return "", err
			}
			unitBits, err := intToBinary(unitCode, 5)
			if err != nil {
				return "", err
			}
			return houseBits + unitBits + "0" + boolBit(values["state"]), nil
		},
	}
}

// pir1 covers simple PIR motion sensors: a 20-bit id and a 4-bit unit.
// Motion sensors only ever report presence, so the decoded state is
// always true.
func pir1() *pulseProtocol {
	return &pulseProtocol{
		name:         "pir1",
		pulseLengths: []int{358, 1095, 11244},
		header:       "",
		footer:       "02",
		mapping: map[string]byte{
			"01": '0',
			"10": '1',
		},
		decode: func(binary string) (map[string]any, error) {
			if len(binary) != 24 {
				return nil, fmt.Errorf("expected 24 payload bits, got %d", len(binary))
			}
			id, err := binaryToInt(binary[0:20])
			if err != nil {
				return nil, err
			}
			unit, err := binaryToInt(binary[20:24])
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"id":       id,
				"unit":     unit,
				"presence": true,
			}, nil
		},
		encode: func(values map[string]any) (string, error) {
			id, err := intValue(values, "id")
			if err != nil {
				return "", err
			}
			unit, err := intValue(values, "unit")
			if err != nil {
				return "", err
			}
			idBits, err := intToBinary(id, 20)
			if err != nil {
				return "", err
			}
			unitBits, err := intToBinary(unit, 4)
			if err != nil {
				return "", err
			}
			return idBits + unitBits, nil
		},
	}
}

// intValue extracts an integer field from decoded values, accepting the
// numeric types JSON unmarshalling produces
func intValue(values map[string]any, key string) (int, error) {
	v, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("missing value %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("value %q must be a number, got %T", key, v)
	}
}

func boolBit(v any) string {
	if b, ok := v.(bool); ok && b {
		return "1"
	}
	return "0"
}
