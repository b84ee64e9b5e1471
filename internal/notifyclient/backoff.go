package notifyclient

import "time"

const (
	// defaultInitialDelay は再接続の初回遅延。
	defaultInitialDelay = 500 * time.Millisecond
	// defaultMaxDelay は再接続遅延の上限。
	defaultMaxDelay = 30 * time.Second
	// defaultMultiplier は再接続ごとの遅延倍率。
	defaultMultiplier = 2.0
)

// Backoff は再接続の指数バックオフ。
// Nextを呼ぶごとに遅延がMultiplier倍になり、Maxで頭打ちになる。接続成功時にResetする。
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	attempt int
}

// DefaultBackoff はデフォルトのバックオフ設定を返す。
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    defaultInitialDelay,
		Max:        defaultMaxDelay,
		Multiplier: defaultMultiplier,
	}
}

// Next は次の待機時間を返し、試行回数を進める。
func (b *Backoff) Next() time.Duration {
	initial, maxDelay, mult := b.Initial, b.Max, b.Multiplier
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if mult < 1 {
		mult = defaultMultiplier
	}

	delay := initial
	for i := 0; i < b.attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	b.attempt++
	return delay
}

// Reset は試行回数を0に戻す。
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt は現在の試行回数を返す。
func (b *Backoff) Attempt() int {
	return b.attempt
}
