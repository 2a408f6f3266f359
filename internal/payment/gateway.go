package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"

	"eshop_checkout/internal/apperr"
	"eshop_checkout/internal/config"
	"eshop_checkout/internal/currency"
	"eshop_checkout/internal/model"

	"github.com/shopspring/decimal"
)

// VNPay 报文字段。
const (
	ParamVersion           = "vnp_Version"
	ParamCommand           = "vnp_Command"
	ParamTmnCode           = "vnp_TmnCode"
	ParamAmount            = "vnp_Amount"
	ParamCurrCode          = "vnp_CurrCode"
	ParamTxnRef            = "vnp_TxnRef"
	ParamOrderInfo         = "vnp_OrderInfo"
	ParamOrderType         = "vnp_OrderType"
	ParamLocale            = "vnp_Locale"
	ParamReturnURL         = "vnp_ReturnUrl"
	ParamIPAddr            = "vnp_IpAddr"
	ParamCreateDate        = "vnp_CreateDate"
	ParamExpireDate        = "vnp_ExpireDate"
	ParamSecureHash        = "vnp_SecureHash"
	ParamSecureHashType    = "vnp_SecureHashType"
	ParamResponseCode      = "vnp_ResponseCode"
	ParamTransactionStatus = "vnp_TransactionStatus"
	ParamTransactionNo     = "vnp_TransactionNo"

	timestampLayout = "20060102150405"
	defaultClientIP = "0.0.0.0"
)

var errMissingSecret = errors.New("hash secret is not configured")

// Redirect 是发起支付的结果。
type Redirect struct {
	URL              string
	ExpiresAt        time.Time
	SettlementAmount decimal.Decimal
}

// Gateway 构造 VNPay 签名跳转链接，并校验回调签名。
type Gateway struct {
	cfg  config.GatewayConfig
	loc  *time.Location
	conv *currency.Converter
	now  func() time.Time
}

func NewGateway(cfg config.GatewayConfig, conv *currency.Converter) *Gateway {
	return &Gateway{cfg: cfg, loc: cfg.Location(), conv: conv, now: time.Now}
}

// CreatePaymentURL 生成跳转链接。配置缺失或签名失败都返回 PaymentInitialization 错误。
func (g *Gateway) CreatePaymentURL(order *model.Order, txn *model.PaymentTransaction, clientIP string) (Redirect, error) {
	if err := g.checkConfig(); err != nil {
		return Redirect{}, err
	}
	if order == nil || txn == nil || txn.IdempotencyKey == "" {
		return Redirect{}, apperr.PaymentInitialization("Payment transaction reference is required", nil)
	}

	settlement := g.conv.ToSettlement(order.TotalAmount)
	if !settlement.IsPositive() {
		return Redirect{}, apperr.PaymentInitialization("Payment amount must be greater than zero", nil)
	}

	now := g.now().In(g.loc)
	expiresAt := now.Add(g.cfg.ExpireAfter)

	ip := strings.TrimSpace(clientIP)
	if ip == "" {
		ip = defaultClientIP
	}

	params := map[string]string{
		ParamVersion:    g.cfg.Version,
		ParamCommand:    g.cfg.Command,
		ParamTmnCode:    g.cfg.TmnCode,
		ParamAmount:     g.conv.ToMinorUnitString(settlement),
		ParamCurrCode:   g.cfg.CurrCode,
		ParamTxnRef:     txn.IdempotencyKey,
		ParamOrderInfo:  strings.TrimSpace(g.cfg.OrderInfoPrefix + " " + order.OrderNumber),
		ParamOrderType:  g.cfg.OrderType,
		ParamLocale:     g.cfg.Locale,
		ParamReturnURL:  g.cfg.ReturnURL,
		ParamIPAddr:     ip,
		ParamCreateDate: now.Format(timestampLayout),
		ParamExpireDate: expiresAt.Format(timestampLayout),
	}

	query := CanonicalQuery(params)
	hash, err := g.signCanonical(query)
	if err != nil {
		return Redirect{}, apperr.PaymentInitialization("Unable to sign VNPay request", err)
	}

	return Redirect{
		URL:              g.cfg.PayURL + "?" + query + "&" + ParamSecureHash + "=" + hash,
		ExpiresAt:        expiresAt,
		SettlementAmount: settlement,
	}, nil
}

// Sign 对参数表做规范化后签名，返回小写十六进制 HMAC-SHA512。
func (g *Gateway) Sign(params map[string]string) (string, error) {
	return g.signCanonical(CanonicalQuery(params))
}

// VerifyCallback 校验回调签名，签名覆盖除 SecureHash/SecureHashType 外的全部 vnp_ 字段。
func (g *Gateway) VerifyCallback(payload map[string]string) error {
	got := strings.TrimSpace(payload[ParamSecureHash])
	if got == "" {
		return apperr.CallbackInvalid("INVALID_SIGNATURE", "Missing VNPay signature")
	}
	fields := make(map[string]string, len(payload))
	for k, v := range payload {
		if !strings.HasPrefix(k, "vnp_") || k == ParamSecureHash || k == ParamSecureHashType {
			continue
		}
		fields[k] = v
	}
	want, err := g.Sign(fields)
	if err != nil {
		return apperr.Wrap(apperr.KindGateway, "PAYMENT_GATEWAY_NOT_CONFIGURED", "VNPay signature cannot be verified", err)
	}
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return apperr.CallbackInvalid("INVALID_SIGNATURE", "Invalid VNPay signature")
	}
	return nil
}

func (g *Gateway) signCanonical(data string) (string, error) {
	if g.cfg.HashSecret == "" {
		return "", errMissingSecret
	}
	mac := hmac.New(sha512.New, []byte(g.cfg.HashSecret))
	if _, err := mac.Write([]byte(data)); err != nil {
		return "", err
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (g *Gateway) checkConfig() error {
	var missing []string
	if strings.TrimSpace(g.cfg.TmnCode) == "" {
		missing = append(missing, "tmnCode")
	}
	if strings.TrimSpace(g.cfg.HashSecret) == "" {
		missing = append(missing, "hashSecret")
	}
	if strings.TrimSpace(g.cfg.PayURL) == "" {
		missing = append(missing, "payUrl")
	}
	if strings.TrimSpace(g.cfg.ReturnURL) == "" {
		missing = append(missing, "returnUrl")
	}
	if len(missing) > 0 {
		return apperr.PaymentInitialization("VNPay configuration is incomplete: missing "+strings.Join(missing, ", "), nil)
	}
	return nil
}

// CanonicalQuery 按 key 字典序排序、丢弃空值，key 与 value 均做表单编码后以 & 连接。
// 同一个串既是签名输入，也是最终查询串。
func CanonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if strings.TrimSpace(v) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(formEncode(k))
		b.WriteByte('=')
		b.WriteString(formEncode(params[k]))
	}
	return b.String()
}

// formEncode 与网关侧的表单编码保持一致：空格为 +，保留 *，~ 编码为 %7E。
func formEncode(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "~", "%7E")
	return strings.ReplaceAll(e, "%2A", "*")
}
