package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"

	"github.com/hitoshi/storepub/internal/model"
)

// maxResponseSize はベンダーレスポンスの読み取り上限（1MB）。
const maxResponseSize = 1 << 20

// WebhookConfig はWebhookConnectorの設定を保持する。
type WebhookConfig struct {
	// Endpoint は公開リクエストのPOST先URL。テナントが設定する。
	Endpoint string
	// UserAgent はリクエストのUser-Agentヘッダー。
	UserAgent string
}

// WebhookConnector はテナントが設定したベンダーエンドポイントへ
// HTTP POSTで公開リクエストを送るコネクタ。
// エンドポイントはテナント入力のURLであるため、SSRF防止機能付きの
// HTTPクライアント（NewSafeClient）と組み合わせて使用すること。
type WebhookConnector struct {
	platform  string
	endpoint  string
	userAgent string
	client    *http.Client
}

// NewWebhookConnector はWebhookConnectorを生成する。
// エンドポイントURLの静的検証を行い、不正な場合はエラーを返す。
// clientにはNewSafeClientで生成したSSRF防止クライアントを渡すこと。
func NewWebhookConnector(platform string, cfg WebhookConfig, client *http.Client) (*WebhookConnector, error) {
	if err := ValidateEndpoint(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("エンドポイントURLが不正です (%s): %w", platform, err)
	}

	return &WebhookConnector{
		platform:  platform,
		endpoint:  cfg.Endpoint,
		userAgent: cfg.UserAgent,
		client:    client,
	}, nil
}

// publishRequest はベンダーへ送る公開リクエストのボディ。
type publishRequest struct {
	ProductID string `json:"product_id"`
	Platform  string `json:"platform"`
}

// publishResponse はベンダーからの公開レスポンスのボディ。
type publishResponse struct {
	ExternalID  string `json:"external_id"`
	ExternalURL string `json:"external_url"`
	Error       string `json:"error"`
}

// Publish は商品の公開リクエストをエンドポイントへPOSTする。
// HTTPステータスコードを機械可読なPublishErrorのKindに変換して返す:
// 429はrate_limited、5xxはtransient、その他の4xxはpermanent。
// ネットワークエラーはtransientとして分類する。
func (c *WebhookConnector) Publish(ctx context.Context, productID string) (*model.PublishResult, error) {
	body, err := json.Marshal(publishRequest{
		ProductID: productID,
		Platform:  c.platform,
	})
	if err != nil {
		return nil, model.NewPermanentError("公開リクエストの組み立てに失敗しました", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, model.NewPermanentError("公開リクエストの作成に失敗しました", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, model.NewTransientError(
			fmt.Sprintf("エンドポイントへの接続に失敗しました: %v", err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, model.NewHTTPError(resp.StatusCode,
			fmt.Sprintf("公開リクエストが拒否されました (%s)", c.platform))
	}

	var result publishResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&result); err != nil {
		return nil, model.NewTransientError("レスポンスの解析に失敗しました", err)
	}

	if result.ExternalID == "" {
		return nil, model.NewPermanentError("レスポンスにexternal_idが含まれていません", nil)
	}

	return &model.PublishResult{
		Success:     true,
		ExternalID:  result.ExternalID,
		ExternalURL: result.ExternalURL,
	}, nil
}

// Connected はエンドポイントが設定済みかを返す。
func (c *WebhookConnector) Connected(ctx context.Context) bool {
	return c.endpoint != ""
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// テナントが設定したエンドポイントURLに対して使用することで、
// プライベートIP・ループバック・リンクローカル・メタデータIPへの
// リクエストがブロックされる。safeurlはDNS解決後のIPアドレスも
// Dialerレベルで検証するため、DNS再バインディング攻撃にも対応する。
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateEndpoint はエンドポイントURLの静的検証を行う。
// DNS解決を伴わないチェックであり、解決後のIP検証はNewSafeClientの
// クライアント側で行われる。
func ValidateEndpoint(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("disallowed scheme: %s", scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// compile-time interface check
var _ Connector = (*WebhookConnector)(nil)
