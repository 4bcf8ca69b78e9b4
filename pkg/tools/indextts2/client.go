package indextts2

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/screamatthewind/novel/pkg/tools/tts"
)

// IndexTTS2Client 封装 IndexTTS2 Gradio API 调用，实现 tts.Synthesizer
type IndexTTS2Client struct {
	BaseURL    string
	Logger     *zap.Logger
	HTTPClient *http.Client
	// FnIndex gen_single 在 Gradio 配置中的函数索引
	FnIndex int

	mu       sync.Mutex
	uploaded map[string]fileData
}

// NewIndexTTS2Client 创建新的客户端实例
func NewIndexTTS2Client(logger *zap.Logger, baseURL string) *IndexTTS2Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = "http://localhost:7860" // 默认地址
	}
	return &IndexTTS2Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Logger:  logger,
		HTTPClient: &http.Client{
			Timeout: 300 * time.Second, // TTS生成可能需要较长时间
		},
		FnIndex:  9,
		uploaded: make(map[string]fileData),
	}
}

type fileData struct {
	Path     string            `json:"path"`
	OrigName string            `json:"orig_name"`
	Meta     map[string]string `json:"meta"`
}

// Synthesize 以参考音频为音色合成文本，返回解码后的音频
func (c *IndexTTS2Client) Synthesize(ctx context.Context, text, voiceRef string) (*tts.Audio, error) {
	ref, err := c.uploadReference(ctx, voiceRef)
	if err != nil {
		return nil, err
	}

	sessionHash := uuid.NewString()
	if err := c.joinQueue(ctx, text, ref, sessionHash); err != nil {
		return nil, err
	}
	output, err := c.awaitResult(ctx, sessionHash)
	if err != nil {
		return nil, err
	}
	data, err := c.fetchAudio(ctx, output)
	if err != nil {
		return nil, err
	}
	audio, err := tts.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("解析TTS输出音频失败: %w", err)
	}
	return audio, nil
}

// uploadReference 上传参考音频，同一路径只上传一次
func (c *IndexTTS2Client) uploadReference(ctx context.Context, path string) (fileData, error) {
	c.mu.Lock()
	if fd, ok := c.uploaded[path]; ok {
		c.mu.Unlock()
		return fd, nil
	}
	c.mu.Unlock()

	file, err := os.Open(path)
	if err != nil {
		return fileData{}, fmt.Errorf("打开参考音频失败: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return fileData{}, fmt.Errorf("创建表单文件失败: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fileData{}, fmt.Errorf("复制文件失败: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fileData{}, fmt.Errorf("关闭表单写入器失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/gradio_api/upload", body)
	if err != nil {
		return fileData{}, fmt.Errorf("创建上传请求失败: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	respBody, err := c.do(req)
	if err != nil {
		return fileData{}, fmt.Errorf("上传参考音频失败: %w", err)
	}
	var paths []string
	if err := json.Unmarshal(respBody, &paths); err != nil {
		return fileData{}, fmt.Errorf("解析上传响应失败: %w", err)
	}
	if len(paths) == 0 {
		return fileData{}, fmt.Errorf("上传响应中没有文件路径")
	}

	fd := fileData{
		Path:     paths[0],
		OrigName: filepath.Base(path),
		Meta:     map[string]string{"_type": "gradio.FileData"},
	}
	c.mu.Lock()
	c.uploaded[path] = fd
	c.mu.Unlock()
	c.Logger.Info("参考音频上传成功", zap.String("audio_path", path), zap.String("server_path", fd.Path))
	return fd, nil
}

// joinQueue 按 gen_single 的参数顺序提交任务
func (c *IndexTTS2Client) joinQueue(ctx context.Context, text string, ref fileData, sessionHash string) error {
	payload := map[string]interface{}{
		"data": []interface{}{
			"Same as the voice reference", // 情感控制方式
			ref,
			text,
			nil,  // 情感参考音频
			0.65, // 情感权重
			0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, 0.0, // 情感向量
			"",    // 情感描述文本
			false, // 情感随机化
			120,   // 每段最大文本token数
			true,  // do_sample
			0.8,   // top_p
			30,    // top_k
			0.8,   // temperature
			0.0,   // length_penalty
			3,     // num_beams
			10.0,  // repetition_penalty
			1500,  // max_mel_tokens
		},
		"fn_index":     c.FnIndex,
		"session_hash": sessionHash,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化请求数据失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/gradio_api/queue/join", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("创建队列请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return fmt.Errorf("加入队列失败: %w", err)
	}
	var queueResp struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(respBody, &queueResp); err != nil || queueResp.EventID == "" {
		return fmt.Errorf("未能从队列响应中获取event_id: %s", string(respBody))
	}
	c.Logger.Debug("任务已加入队列", zap.String("event_id", queueResp.EventID))
	return nil
}

type sseMessage struct {
	Msg     string `json:"msg"`
	Success *bool  `json:"success"`
	Output  struct {
		Data  []json.RawMessage `json:"data"`
		Error interface{}       `json:"error"`
	} `json:"output"`
}

// awaitResult 读取 SSE 流直到 process_completed，返回第一个输出项
func (c *IndexTTS2Client) awaitResult(ctx context.Context, sessionHash string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/gradio_api/queue/data?session_hash=%s", c.BaseURL, sessionHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("创建结果请求失败: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送结果请求失败: %w", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg sseMessage
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
			continue
		}
		switch msg.Msg {
		case "estimation", "process_starts", "process_generating":
			c.Logger.Debug("TTS任务状态", zap.String("msg", msg.Msg))
		case "process_completed":
			if msg.Success == nil || !*msg.Success {
				return nil, fmt.Errorf("TTS生成失败: %v", msg.Output.Error)
			}
			if len(msg.Output.Data) == 0 {
				return nil, fmt.Errorf("TTS生成完成但未返回数据")
			}
			return msg.Output.Data[0], nil
		case "close_stream":
			return nil, fmt.Errorf("流已关闭，但未收到结果")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取SSE流时出错: %w", err)
	}
	return nil, fmt.Errorf("未能从SSE流中获取结果")
}

// fetchAudio 输出项可能是文件对象、{"value": 文件对象} 更新、服务器路径或 base64 数据
func (c *IndexTTS2Client) fetchAudio(ctx context.Context, item json.RawMessage) ([]byte, error) {
	var update struct {
		Value *fileData `json:"value"`
		Path  string    `json:"path"`
		URL   string    `json:"url"`
	}
	var location string
	if err := json.Unmarshal(item, &update); err == nil {
		switch {
		case update.URL != "":
			location = update.URL
		case update.Path != "":
			location = update.Path
		case update.Value != nil:
			location = update.Value.Path
		}
	} else {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			return nil, fmt.Errorf("无法识别的TTS输出: %s", string(item))
		}
		if strings.HasPrefix(s, "data:audio/") {
			_, encoded, _ := strings.Cut(s, ",")
			data, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("解码base64失败: %w", err)
			}
			return data, nil
		}
		location = s
	}
	if location == "" {
		return nil, fmt.Errorf("TTS输出中没有音频路径: %s", string(item))
	}
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		location = c.BaseURL + "/gradio_api/file=" + location
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("创建下载请求失败: %w", err)
	}
	return c.do(req)
}

func (c *IndexTTS2Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("状态码: %d，响应: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
