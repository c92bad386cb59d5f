package utils

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// 客户端订单ID格式: SP-<symbol>-<B|S>-<ULID>
// ULID 按生成时间字典序排列，便于订单记录排序和问题排查。
// Alpaca 的 client_order_id 上限为48字符，股票代码最长10字符时仍有余量。

const clientOrderIDPrefix = "SP"

var (
	entropyMu sync.Mutex
	entropy   io.Reader
)

func init() {
	// 用 crypto/rand 给 PRNG 播种，保证 ULID 熵不可预测；
	// Monotonic 保证同一毫秒内生成的ID仍然递增。
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	entropy = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// NewULID 生成一个时间可排序的唯一ID
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), entropy)
	if err != nil {
		// 只有时钟回拨或熵耗尽才会失败
		panic(err)
	}
	return id.String()
}

// GenerateClientOrderID 生成客户端订单ID，包含股票代码和方向便于对账
func GenerateClientOrderID(symbol, side string) string {
	s := "B"
	if strings.EqualFold(side, "SELL") {
		s = "S"
	}
	return fmt.Sprintf("%s-%s-%s-%s", clientOrderIDPrefix, strings.ToUpper(symbol), s, NewULID())
}

// ParseClientOrderID 解析客户端订单ID，返回股票代码、方向和生成时间戳(毫秒)
func ParseClientOrderID(id string) (symbol, side string, timestamp int64, valid bool) {
	parts := strings.Split(id, "-")
	if len(parts) != 4 || parts[0] != clientOrderIDPrefix {
		return "", "", 0, false
	}

	switch parts[2] {
	case "B":
		side = "BUY"
	case "S":
		side = "SELL"
	default:
		return "", "", 0, false
	}

	parsed, err := ulid.ParseStrict(parts[3])
	if err != nil {
		return "", "", 0, false
	}

	return parts[1], side, int64(parsed.Time()), true
}
