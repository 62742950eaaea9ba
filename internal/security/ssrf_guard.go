// Package security はCRM接続先の検証とCRM応答メッセージの無害化を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/doyensec/safeurl"

	"github.com/hitoshi/crmsync/internal/model"
)

// SSRFGuardService はSSRF防止機能のインターフェースを定義する。
// 利用者が入力したCRMのURL（Mautic等のセルフホスト先）に対して使用する。
type SSRFGuardService interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はURLの安全性を事前に検証する。
	ValidateURL(rawURL string) error

	// ValidateCredentials は認証情報に含まれるURLを検証する。
	ValidateCredentials(creds model.Credentials) error
}

// allowedSchemes はSSRF防止で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// DefaultAllowedPorts は既定で許可する接続先ポート。
var DefaultAllowedPorts = []int{80, 443}

// blockedNetworks はSSRF防止でブロックされるネットワーク範囲。
// safeurlはDNS解決後のIPアドレスも検証するため、ここでの照合は事前チェックに限られる。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ループバック
		"::1/128",
		// IPv6リンクローカル
		"fe80::/10",
		// IPv6ユニークローカル
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// SSRFGuardOptions はSSRFGuardの動作設定。
type SSRFGuardOptions struct {
	// AllowedPorts は接続を許可するポート。空の場合はDefaultAllowedPorts。
	AllowedPorts []int
	// AllowPrivate はプライベートネットワーク上のCRM（社内のMautic等）への接続を許可する。
	AllowPrivate bool
}

// ssrfGuard はSSRFGuardServiceの実装。
type ssrfGuard struct {
	ports        []int
	allowPrivate bool
}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
func NewSSRFGuard(opts SSRFGuardOptions) *ssrfGuard {
	ports := opts.AllowedPorts
	if len(ports) == 0 {
		ports = DefaultAllowedPorts
	}
	return &ssrfGuard{ports: ports, allowPrivate: opts.AllowPrivate}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlはnet.DialerのControlフックでDNS解決後のIPアドレスを検証するため、
// DNS再バインディング攻撃にも対応している。
// AllowPrivateが有効な場合は検証を行わない通常のクライアントを返す。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	if g.allowPrivate {
		return &http.Client{Timeout: timeout}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.ports...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateCredentials は認証情報に含まれるURLを検証する。空のURLは検証しない。
func (g *ssrfGuard) ValidateCredentials(creds model.Credentials) error {
	for _, u := range []string{creds.URL, creds.InstanceURL} {
		if u == "" {
			continue
		}
		if err := g.ValidateURL(u); err != nil {
			return err
		}
	}
	return nil
}

// ValidateURL はURLの安全性を事前に検証する。
// DNS解決を伴わない静的な検証で、接続テストの前に使用する。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	// スキーム検証: http/httpsのみ許可
	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	// ホスト検証: 空ホストを拒否
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if port := parsed.Port(); port != "" && !g.isAllowedPort(port) {
		return fmt.Errorf("disallowed port: %s (allowed: %v)", port, g.ports)
	}

	if g.allowPrivate {
		return nil
	}

	// IPアドレスの場合: ブロック対象CIDRとの照合
	ip := net.ParseIP(host)
	if ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	// ホスト名の場合: localhost等の危険なホスト名を拒否
	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

func (g *ssrfGuard) isAllowedPort(port string) bool {
	for _, p := range g.ports {
		if fmt.Sprint(p) == port {
			return true
		}
	}
	return false
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// blockedHostnames はブロック対象のホスト名。
var blockedHostnames = []string{
	"localhost",
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
func isBlockedHostname(host string) bool {
	lower := strings.ToLower(host)
	return slices.Contains(blockedHostnames, lower) || strings.HasSuffix(lower, ".localhost")
}
