package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"

	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
)

const (
	defaultChainWSURL   = "wss://polygon-bor-rpc.publicnode.com"
	defaultChainHTTPRPC = "https://polygon-bor-rpc.publicnode.com"

	// Both USDC and outcome shares carry 6 decimals on Polygon.
	tokenDecimals = 1e6
)

// orderFilledTopic is keccak256 of the CTF Exchange event signature:
// OrderFilled(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)
var orderFilledTopic = crypto.Keccak256Hash(
	[]byte("OrderFilled(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)"),
).Hex()

// zeroAssetID marks the collateral (USDC) side of a fill.
const zeroAssetID = "0x0000000000000000000000000000000000000000000000000000000000000000"

// ChainFillHandler receives decoded fills for followed wallets.
type ChainFillHandler func(fill models.NormalizedFill)

// ChainWatcher subscribes to OrderFilled logs on the exchange contracts over
// a raw JSON-RPC WebSocket. One OrderFilled event fires per matched order, so
// a single market order sweeping several resting orders produces several
// fills; each is delivered separately with its own log index.
type ChainWatcher struct {
	wsURL     string
	httpRPC   string
	exchanges []string

	conn   *websocket.Conn
	connMu sync.Mutex
	subID  string

	httpClient *http.Client

	followed   map[string]bool
	followedMu sync.RWMutex

	onFill ChainFillHandler

	// block number -> timestamp, so repeated fills in one block cost one
	// RPC round trip
	blockTimes   map[uint64]time.Time
	blockTimesMu sync.Mutex

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewChainWatcher creates a watcher over the given exchange contracts.
func NewChainWatcher(wsURL, httpRPC string, exchanges []string, onFill ChainFillHandler) *ChainWatcher {
	if wsURL == "" {
		wsURL = defaultChainWSURL
	}
	if httpRPC == "" {
		httpRPC = defaultChainHTTPRPC
	}
	normalized := make([]string, len(exchanges))
	for i, addr := range exchanges {
		normalized[i] = strings.ToLower(addr)
	}
	return &ChainWatcher{
		wsURL:      wsURL,
		httpRPC:    httpRPC,
		exchanges:  normalized,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		followed:   make(map[string]bool),
		blockTimes: make(map[uint64]time.Time),
		onFill:     onFill,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetFollowedWallets replaces the watched wallet set.
func (w *ChainWatcher) SetFollowedWallets(wallets []string) {
	w.followedMu.Lock()
	defer w.followedMu.Unlock()
	w.followed = make(map[string]bool, len(wallets))
	for _, addr := range wallets {
		w.followed[normalizeAddr(addr)] = true
	}
	log.Printf("[ChainWS] Watching %d wallets", len(w.followed))
}

func normalizeAddr(addr string) string {
	addr = strings.ToLower(addr)
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

// Start connects, subscribes, and begins the read loop.
func (w *ChainWatcher) Start(ctx context.Context) error {
	if w.running {
		return fmt.Errorf("chain watcher already running")
	}

	if err := w.connect(); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	if err := w.subscribe(); err != nil {
		w.conn.Close()
		return fmt.Errorf("subscription failed: %w", err)
	}

	w.running = true
	go w.readLoop(ctx)
	log.Printf("[ChainWS] Started - watching OrderFilled on %d exchanges", len(w.exchanges))
	return nil
}

// Stop shuts down the watcher and waits for the read loop to exit.
func (w *ChainWatcher) Stop() {
	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)

	w.connMu.Lock()
	if w.conn != nil {
		if w.subID != "" {
			w.conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "eth_unsubscribe",
				"params":  []string{w.subID},
				"id":      2,
			})
		}
		w.conn.Close()
	}
	w.connMu.Unlock()

	select {
	case <-w.doneCh:
	case <-time.After(5 * time.Second):
		log.Printf("[ChainWS] Shutdown timeout")
	}
	log.Printf("[ChainWS] Stopped")
}

func (w *ChainWatcher) connect() error {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(w.wsURL, nil)
	if err != nil {
		return err
	}
	w.conn = conn
	log.Printf("[ChainWS] Connected to %s", w.wsURL)
	return nil
}

func (w *ChainWatcher) subscribe() error {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("not connected")
	}

	subMsg := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscribe",
		"params": []interface{}{
			"logs",
			map[string]interface{}{
				"address": w.exchanges,
				"topics":  []interface{}{orderFilledTopic},
			},
		},
		"id": 1,
	}
	if err := w.conn.WriteJSON(subMsg); err != nil {
		return fmt.Errorf("subscribe write failed: %w", err)
	}

	w.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, msg, err := w.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("subscribe read failed: %w", err)
	}
	w.conn.SetReadDeadline(time.Time{})

	var resp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &resp); err != nil {
		return fmt.Errorf("subscribe parse failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("subscribe error: %s", resp.Error.Message)
	}

	w.subID = resp.Result
	log.Printf("[ChainWS] Subscribed to OrderFilled logs (sub_id=%s)", w.subID)
	return nil
}

func (w *ChainWatcher) readLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		w.connMu.Lock()
		conn := w.conn
		w.connMu.Unlock()

		if conn == nil {
			w.reconnect(ctx)
			continue
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			select {
			case <-w.stopCh:
				return
			default:
			}
			log.Printf("[ChainWS] Read error: %v, reconnecting...", err)
			w.reconnect(ctx)
			continue
		}

		w.handleMessage(msg)
	}
}

func (w *ChainWatcher) reconnect(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-w.stopCh:
		return
	case <-time.After(2 * time.Second):
	}

	if err := w.connect(); err != nil {
		log.Printf("[ChainWS] Reconnection failed: %v", err)
		return
	}
	if err := w.subscribe(); err != nil {
		log.Printf("[ChainWS] Resubscription failed: %v", err)
	}
}

type logNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription string   `json:"subscription"`
		Result       chainLog `json:"result"`
	} `json:"params"`
}

type chainLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

func (w *ChainWatcher) handleMessage(data []byte) {
	var notif logNotification
	if err := json.Unmarshal(data, &notif); err != nil {
		return
	}
	if notif.Method != "eth_subscription" {
		return
	}

	lg := notif.Params.Result
	if lg.Removed || lg.TransactionHash == "" || len(lg.Topics) < 4 {
		return
	}

	fill, ok := w.decodeOrderFilled(lg)
	if !ok {
		return
	}
	if w.onFill != nil {
		w.onFill(fill)
	}
}

// decodeOrderFilled extracts a normalized fill from an OrderFilled log.
// Topics: [sig, orderHash, maker, taker]. Data words: makerAssetId,
// takerAssetId, makerAmountFilled, takerAmountFilled, fee.
func (w *ChainWatcher) decodeOrderFilled(lg chainLog) (models.NormalizedFill, bool) {
	var fill models.NormalizedFill

	maker := topicToAddr(lg.Topics[2])
	taker := topicToAddr(lg.Topics[3])

	w.followedMu.RLock()
	var wallet string
	var role models.Role
	if w.followed[maker] {
		wallet, role = maker, models.RoleMaker
	} else if w.followed[taker] {
		wallet, role = taker, models.RoleTaker
	}
	w.followedMu.RUnlock()
	if wallet == "" {
		return fill, false
	}

	words, err := splitDataWords(lg.Data, 4)
	if err != nil {
		log.Printf("[ChainWS] Undecodable OrderFilled data in tx %s: %v", lg.TransactionHash, err)
		return fill, false
	}
	makerAssetID := words[0]
	takerAssetID := words[1]
	makerAmount := new(big.Int).SetBytes(common.FromHex(words[2]))
	takerAmount := new(big.Int).SetBytes(common.FromHex(words[3]))

	// The zero asset is USDC. Whichever side gave USDC bought shares; the
	// non-zero asset id is the outcome token.
	var tokenID string
	var side models.Side
	var usdcAmt, shareAmt *big.Int
	if makerAssetID == zeroAssetID {
		tokenID = takerAssetID
		usdcAmt, shareAmt = makerAmount, takerAmount
		if role == models.RoleMaker {
			side = models.SideBuy
		} else {
			side = models.SideSell
		}
	} else {
		tokenID = makerAssetID
		usdcAmt, shareAmt = takerAmount, makerAmount
		if role == models.RoleMaker {
			side = models.SideSell
		} else {
			side = models.SideBuy
		}
	}

	usdcSize := bigToFloat(usdcAmt)
	size := bigToFloat(shareAmt)
	price := 0.0
	if size > 0 {
		price = usdcSize / size
	}

	blockNumber := hexToUint64(lg.BlockNumber)
	detectedAt := time.Now()

	fill = models.NormalizedFill{
		Source:       models.SourceChain,
		LeaderWallet: wallet,
		Role:         role,
		TxHash:       strings.ToLower(lg.TransactionHash),
		TokenID:      hexTokenToDecimal(tokenID),
		Side:         side,
		Price:        price,
		Size:         size,
		UsdcSize:     usdcSize,
		FillTs:       w.blockTimestamp(blockNumber, detectedAt),
		DetectedAt:   detectedAt,
		ExchangeAddr: strings.ToLower(lg.Address),
		BlockNumber:  blockNumber,
		LogIndex:     strings.ToLower(lg.LogIndex),
	}
	return fill, true
}

func topicToAddr(topic string) string {
	if len(topic) < 66 {
		return ""
	}
	return strings.ToLower("0x" + topic[26:])
}

// splitDataWords slices the log data hex into n 32-byte words.
func splitDataWords(data string, n int) ([]string, error) {
	hexStr := strings.TrimPrefix(data, "0x")
	if len(hexStr) < n*64 {
		return nil, fmt.Errorf("data too short: %d chars, need %d", len(hexStr), n*64)
	}
	words := make([]string, n)
	for i := 0; i < n; i++ {
		words[i] = "0x" + hexStr[i*64:(i+1)*64]
	}
	return words, nil
}

func bigToFloat(amt *big.Int) float64 {
	f := new(big.Float).Quo(
		new(big.Float).SetInt(amt),
		new(big.Float).SetFloat64(tokenDecimals),
	)
	out, _ := f.Float64()
	return out
}

// hexTokenToDecimal converts a 0x token id into the decimal string the data
// API uses.
func hexTokenToDecimal(tokenID string) string {
	hexVal := strings.TrimLeft(strings.TrimPrefix(tokenID, "0x"), "0")
	if hexVal == "" {
		return "0"
	}
	v := new(big.Int)
	if _, ok := v.SetString(hexVal, 16); !ok {
		return tokenID
	}
	return v.String()
}

func hexToUint64(s string) uint64 {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0
	}
	return v
}

// blockTimestamp fetches the block's timestamp over HTTP RPC, caching per
// block. Falls back to the detection time if the RPC call fails; the fill
// timestamp then overstates freshness by at most the chain's block delay.
func (w *ChainWatcher) blockTimestamp(blockNumber uint64, fallback time.Time) time.Time {
	if blockNumber == 0 {
		return fallback
	}

	w.blockTimesMu.Lock()
	if ts, ok := w.blockTimes[blockNumber]; ok {
		w.blockTimesMu.Unlock()
		return ts
	}
	w.blockTimesMu.Unlock()

	payload := fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"eth_getBlockByNumber","params":["0x%x",false],"id":1}`,
		blockNumber)
	resp, err := w.httpClient.Post(w.httpRPC, "application/json", bytes.NewBufferString(payload))
	if err != nil {
		return fallback
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fallback
	}

	var result struct {
		Result struct {
			Timestamp string `json:"timestamp"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.Result.Timestamp == "" {
		return fallback
	}

	ts := time.Unix(int64(hexToUint64(result.Result.Timestamp)), 0).UTC()

	w.blockTimesMu.Lock()
	w.blockTimes[blockNumber] = ts
	if len(w.blockTimes) > 1000 {
		for k := range w.blockTimes {
			delete(w.blockTimes, k)
			if len(w.blockTimes) <= 500 {
				break
			}
		}
	}
	w.blockTimesMu.Unlock()

	return ts
}
