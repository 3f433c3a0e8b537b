package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FloatToPCM16 converts float samples in [-1, 1] to signed 16-bit PCM.
// Out-of-range input is clamped instead of wrapping.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = floatToInt16(s)
	}
	return out
}

func floatToInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s >= 1 {
		return math.MaxInt16
	}
	if s <= -1 {
		return math.MinInt16
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// EncodePCM16 packs samples as little-endian 16-bit PCM bytes
func EncodePCM16(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(sample))
	}
	return data
}

// DecodePCM16 unpacks little-endian 16-bit PCM bytes
func DecodePCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// DecodeFloat32 unpacks little-endian IEEE-754 float samples, as delivered by F32 capture devices
func DecodeFloat32(data []byte) []float32 {
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples
}

// DownmixToMono averages interleaved channels into a single channel
func DownmixToMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}

	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}

// Resample performs simple linear interpolation resampling
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// EncodePCMU converts 16-bit linear PCM samples to G.711 μ-law bytes
func EncodePCMU(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, sample := range samples {
		out[i] = linearToMulaw(sample)
	}
	return out
}

// EncodePCMA converts 16-bit linear PCM samples to G.711 A-law bytes
func EncodePCMA(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, sample := range samples {
		out[i] = linearToAlaw(sample)
	}
	return out
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law
// G.711 μ-law encoding algorithm (ITU-T G.711 standard)
func linearToMulaw(sample int16) byte {
	const (
		clip = 8159 // Maximum magnitude to clip input (14-bit range)
		bias = 0x21 // Bias value (33 decimal)
	)

	var sign byte
	// Work on the 14-bit magnitude that μ-law covers
	magnitude := int32(sample) >> 2

	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}

	if magnitude > clip {
		magnitude = clip
	}

	magnitude += bias

	// Segment is the position of the highest set bit above bit 5
	var segment byte
	for temp := magnitude >> 6; temp != 0 && segment < 7; temp >>= 1 {
		segment++
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)

	ulawByte := sign | (segment << 4) | mantissa
	return ^ulawByte
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	step := mantissa << (segment + 1)
	step += int32(33) << segment
	magnitude := (step - 33) << 2

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// linearToAlaw converts a 16-bit linear PCM sample to 8-bit A-law
func linearToAlaw(sample int16) byte {
	var mask byte
	magnitude := int32(sample) >> 3 // 13-bit range

	if magnitude >= 0 {
		mask = 0xD5
	} else {
		mask = 0x55
		magnitude = -magnitude - 1
	}

	if magnitude > 0xFFF {
		magnitude = 0xFFF
	}

	var alawByte byte
	if magnitude < 32 {
		alawByte = byte(magnitude >> 1)
	} else {
		var segment byte = 1
		for temp := magnitude >> 6; temp != 0 && segment < 7; temp >>= 1 {
			segment++
		}
		alawByte = (segment << 4) | byte((magnitude>>segment)&0x0F)
	}

	return alawByte ^ mask
}

// alawToLinear converts an 8-bit A-law sample to 16-bit linear PCM
func alawToLinear(alawByte byte) int16 {
	alawByte ^= 0x55

	segment := int32((alawByte & 0x70) >> 4)
	mantissa := int32(alawByte & 0x0F)

	var magnitude int32
	if segment == 0 {
		magnitude = (mantissa << 4) + 8
	} else {
		magnitude = ((mantissa << 4) + 0x108) << (segment - 1)
	}

	if alawByte&0x80 != 0 {
		return int16(magnitude)
	}
	return int16(-magnitude)
}

// DecodePCMU converts G.711 μ-law bytes back to linear PCM samples
func DecodePCMU(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = mulawToLinear(b)
	}
	return out
}

// DecodePCMA converts G.711 A-law bytes back to linear PCM samples
func DecodePCMA(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = alawToLinear(b)
	}
	return out
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
