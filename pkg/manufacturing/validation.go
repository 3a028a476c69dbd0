package manufacturing

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidateItemID 商品IDの形式をバリデーション
func ValidateItemID(itemID string) error {
	if itemID == "" {
		return NewValidationError("item_id", "商品IDが空です", itemID)
	}
	if len(itemID) > 255 {
		return NewValidationError("item_id", "商品IDが長すぎます", itemID)
	}
	// 英数字、ハイフン、アンダースコアのみ許可
	validPattern := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !validPattern.MatchString(itemID) {
		return NewValidationError("item_id", "商品IDに無効な文字が含まれています", itemID)
	}
	return nil
}

// ValidateWarehouseID 倉庫IDの形式をバリデーション
func ValidateWarehouseID(warehouseID string) error {
	if warehouseID == "" {
		return NewValidationError("warehouse", "倉庫IDが空です", warehouseID)
	}
	if len(warehouseID) > 255 {
		return NewValidationError("warehouse", "倉庫IDが長すぎます", warehouseID)
	}
	// 英数字、ハイフン、アンダースコアのみ許可
	validPattern := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !validPattern.MatchString(warehouseID) {
		return NewValidationError("warehouse", "倉庫IDに無効な文字が含まれています", warehouseID)
	}
	return nil
}

// ValidateOrderID 製造指図IDの形式をバリデーション
func ValidateOrderID(orderID string) error {
	if orderID == "" {
		return NewValidationError("order_id", "指図IDが空です", orderID)
	}
	if len(orderID) > 255 {
		return NewValidationError("order_id", "指図IDが長すぎます", orderID)
	}
	// 英数字、ハイフン、アンダースコアのみ許可
	validPattern := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !validPattern.MatchString(orderID) {
		return NewValidationError("order_id", "指図IDに無効な文字が含まれています", orderID)
	}
	return nil
}

// ValidateBatchID バッチIDの形式をバリデーション
func ValidateBatchID(batchID string) error {
	if batchID == "" {
		return NewValidationError("batch_id", "バッチIDが空です", batchID)
	}
	if len(batchID) > 255 {
		return NewValidationError("batch_id", "バッチIDが長すぎます", batchID)
	}
	// 英数字、ハイフン、アンダースコア、ドットのみ許可
	validPattern := regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	if !validPattern.MatchString(batchID) {
		return NewValidationError("batch_id", "バッチIDに無効な文字が含まれています", batchID)
	}
	return nil
}

// ValidateSerialNo シリアル番号の形式をバリデーション
func ValidateSerialNo(serialNo string) error {
	if serialNo == "" {
		return NewValidationError("serial_no", "シリアル番号が空です", serialNo)
	}
	if len(serialNo) > 255 {
		return NewValidationError("serial_no", "シリアル番号が長すぎます", serialNo)
	}
	// 英数字、ハイフン、アンダースコア、ドットのみ許可
	validPattern := regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	if !validPattern.MatchString(serialNo) {
		return NewValidationError("serial_no", "シリアル番号に無効な文字が含まれています", serialNo)
	}
	return nil
}

// ValidateQty 数量をバリデーション
func ValidateQty(qty decimal.Decimal, allowNegative bool) error {
	if !allowNegative && qty.IsNegative() {
		return NewValidationError("qty", "負の数量は許可されていません", qty.String())
	}
	limit := decimal.NewFromInt(999999999)
	if qty.Abs().GreaterThan(limit) {
		return NewValidationError("qty", "数量が有効範囲を超えています", qty.String())
	}
	return nil
}

// ValidateRate 評価レートをバリデーション
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() {
		return NewValidationError("rate", "評価レートは0以上である必要があります", rate.String())
	}
	limit := decimal.NewFromInt(999999999)
	if rate.GreaterThan(limit) {
		return NewValidationError("rate", "評価レートが有効範囲を超えています", rate.String())
	}
	return nil
}

// ValidateReason 理由文字列をバリデーション
func ValidateReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return NewValidationError("reason", "理由が空です", reason)
	}
	if len(reason) > 500 {
		return NewValidationError("reason", "理由が長すぎます", reason)
	}
	return nil
}
