// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchFailed は上流フィードの取得失敗（到達不能または200以外）を表す。実行全体が中断される。
	ErrFetchFailed = errors.New("upstream fetch failed")
	// ErrMalformedListing は出品データの解析失敗を表す。上流スキーマの変更を示すため読み飛ばさない。
	ErrMalformedListing = errors.New("malformed listing")
)

// MalformedListingError は解析に失敗した出品と原因を保持する。
// errors.Is(err, ErrMalformedListing) で判定できる。
type MalformedListingError struct {
	ListingID int64
	Field     string
	Reason    string
}

// Error はerrorインターフェースを実装する。
func (e *MalformedListingError) Error() string {
	return fmt.Sprintf("malformed listing %d: %s: %s", e.ListingID, e.Field, e.Reason)
}

// Unwrap はErrMalformedListingを返す。
func (e *MalformedListingError) Unwrap() error {
	return ErrMalformedListing
}
