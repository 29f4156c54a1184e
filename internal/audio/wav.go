package audio

import (
	"bytes"
	"encoding/binary"
)

const (
	sampleRate    = 8000
	bitsPerSample = 8
	numChannels   = 2
	wavFormatMulaw = 7 // WAVE_FORMAT_MULAW
	mulawSilence   = 0xFF
)

// Mix combines inbound (left channel) and outbound (right channel)
// µ-law chunk sequences into a single interleaved stereo µ-law WAV, per
// spec.md §6: "µ-law format code, 2 channels, 8kHz, 8-bit, with a fact
// chunk". The shorter side is padded with µ-law silence so both
// channels run the call's full duration.
func Mix(inbound, outbound [][]byte) []byte {
	left := bytes.Join(inbound, nil)
	right := bytes.Join(outbound, nil)
	n := len(left)
	if len(right) > n {
		n = len(right)
	}
	left = padTo(left, n)
	right = padTo(right, n)

	interleaved := make([]byte, n*2)
	for i := 0; i < n; i++ {
		interleaved[2*i] = left[i]
		interleaved[2*i+1] = right[i]
	}
	return encodeWAV(interleaved)
}

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	padded := make([]byte, n)
	copy(padded, b)
	for i := len(b); i < n; i++ {
		padded[i] = mulawSilence
	}
	return padded
}

// encodeWAV wraps raw interleaved µ-law sample data in a RIFF/WAVE
// container with the fmt and fact chunks a µ-law WAV requires (fact
// carries the sample count, since µ-law isn't a fixed-size PCM format).
func encodeWAV(data []byte) []byte {
	var buf bytes.Buffer

	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8
	numSamples := uint32(len(data) / numChannels)

	fmtChunkSize := uint32(18) // mulaw fmt chunk includes cbSize=0
	factChunkSize := uint32(4)
	dataChunkSize := uint32(len(data))
	riffSize := 4 + (8 + fmtChunkSize) + (8 + factChunkSize) + (8 + dataChunkSize)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, fmtChunkSize)
	binary.Write(&buf, binary.LittleEndian, uint16(wavFormatMulaw))
	binary.Write(&buf, binary.LittleEndian, uint16(numChannels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // cbSize

	buf.WriteString("fact")
	binary.Write(&buf, binary.LittleEndian, factChunkSize)
	binary.Write(&buf, binary.LittleEndian, numSamples)

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataChunkSize)
	buf.Write(data)

	return buf.Bytes()
}
