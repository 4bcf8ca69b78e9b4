package tts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// DefaultSampleRate 旁白输出采样率，单声道 16 位
const DefaultSampleRate = 22050

// ErrSampleRateMismatch 拼接的音频片段采样率不一致
var ErrSampleRateMismatch = errors.New("音频片段采样率不一致")

// Audio 单声道 16 位 PCM 音频
type Audio struct {
	SampleRate int
	Samples    []int16
}

// Duration 音频时长
func (a *Audio) Duration() time.Duration {
	if a == nil || a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(a.Samples)) * time.Second / time.Duration(a.SampleRate)
}

// Silence 生成指定时长的静音
func Silence(sampleRate int, d time.Duration) *Audio {
	n := int(d.Seconds() * float64(sampleRate))
	return &Audio{SampleRate: sampleRate, Samples: make([]int16, n)}
}

// Concatenate 按顺序拼接片段，片段之间插入 pause 静音，最后一段之后不加
func Concatenate(segments []*Audio, pause time.Duration) (*Audio, error) {
	var parts []*Audio
	for _, s := range segments {
		if s != nil {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return &Audio{SampleRate: DefaultSampleRate}, nil
	}

	rate := parts[0].SampleRate
	gap := Silence(rate, pause).Samples
	total := 0
	for _, p := range parts {
		if p.SampleRate != rate {
			return nil, fmt.Errorf("%w: %d != %d", ErrSampleRateMismatch, p.SampleRate, rate)
		}
		total += len(p.Samples)
	}
	total += len(gap) * (len(parts) - 1)

	out := &Audio{SampleRate: rate, Samples: make([]int16, 0, total)}
	for i, p := range parts {
		out.Samples = append(out.Samples, p.Samples...)
		if i < len(parts)-1 {
			out.Samples = append(out.Samples, gap...)
		}
	}
	return out, nil
}

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// EncodeWAV 写出 RIFF/WAVE PCM 数据
func EncodeWAV(w io.Writer, a *Audio) error {
	dataSize := uint32(len(a.Samples) * 2)
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(a.SampleRate),
		ByteRate:      uint32(a.SampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("写入WAV头失败: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, a.Samples); err != nil {
		return fmt.Errorf("写入WAV数据失败: %w", err)
	}
	return nil
}

// DecodeWAV 读取 16 位 PCM WAV，多声道取平均混为单声道
func DecodeWAV(data []byte) (*Audio, error) {
	r := bytes.NewReader(data)
	var riff struct {
		ID     [4]byte
		Size   uint32
		Format [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return nil, fmt.Errorf("读取WAV头失败: %w", err)
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Format[:]) != "WAVE" {
		return nil, fmt.Errorf("不是有效的WAV文件")
	}

	var (
		channels, bits, format uint16
		rate                   uint32
		haveFmt                bool
	)
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			return nil, fmt.Errorf("WAV文件缺少data块: %w", err)
		}
		switch string(chunk.ID[:]) {
		case "fmt ":
			body := make([]byte, chunk.Size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("读取fmt块失败: %w", err)
			}
			if len(body) < 16 {
				return nil, fmt.Errorf("fmt块长度不足: %d", len(body))
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			channels = binary.LittleEndian.Uint16(body[2:4])
			rate = binary.LittleEndian.Uint32(body[4:8])
			bits = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("WAV文件data块出现在fmt块之前")
			}
			if format != 1 || bits != 16 || channels == 0 {
				return nil, fmt.Errorf("不支持的WAV格式: format=%d bits=%d channels=%d", format, bits, channels)
			}
			size := int(chunk.Size)
			if size > r.Len() {
				size = r.Len()
			}
			raw := make([]int16, size/2)
			if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
				return nil, fmt.Errorf("读取WAV数据失败: %w", err)
			}
			return &Audio{SampleRate: int(rate), Samples: downmix(raw, int(channels))}, nil
		default:
			if _, err := r.Seek(int64(chunk.Size+chunk.Size%2), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("跳过WAV块失败: %w", err)
			}
		}
	}
}

func downmix(samples []int16, channels int) []int16 {
	if channels == 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// WriteWAVFile 写入 WAV 文件，必要时创建目录
func WriteWAVFile(path string, a *Audio) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	var buf bytes.Buffer
	if err := EncodeWAV(&buf, a); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}
