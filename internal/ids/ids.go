// Package ids 生成机器人ID和交易所客户端订单ID。
package ids

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// NewBotID returns a fresh bot aggregate id.
func NewBotID() string {
	return uuid.NewString()
}

// ClientOrderID builds an idempotency token for one order placement. The grid
// level keeps ids readable in the exchange UI; the random suffix keeps retried
// placements distinct from each other.
func ClientOrderID(botID string, level int) string {
	short := botID
	if len(short) > 8 {
		short = short[:8]
	}
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unheard of; fall back to uuid.
		return fmt.Sprintf("gb-%s-%d-%.8s", short, level, uuid.NewString())
	}
	return fmt.Sprintf("gb-%s-%d-%s", short, level, base62.EncodeToString(buf))
}
