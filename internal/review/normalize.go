// Package review はレビュードキュメントの正規化と取得を提供する。
package review

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/hitoshi/dishfeed/internal/model"
)

// ErrMalformed は必須の識別子を欠いた破損レコードを表す。
var ErrMalformed = errors.New("レビュードキュメントが不正です")

// epochMillisThreshold より小さい数値の時刻はエポック秒として扱う。
const epochMillisThreshold = 1e11

var validate = validator.New(validator.WithRequiredStructEnabled())

// identity はレコードを識別するための必須フィールド。
// 料理名とメニュー項目IDはどちらか一方があればよい。
type identity struct {
	ID         string `validate:"required"`
	UserID     string `validate:"required"`
	DishName   string `validate:"required_without=MenuItemID"`
	MenuItemID string `validate:"required_without=DishName"`
}

// document はストアに保存されたレビュードキュメントの全形式を受け付ける。
// 旧形式のフィード名や時刻表現はここでだけ扱い、以降はmodel.ReviewRecordのみを使う。
type document struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	AuthorID       string `json:"authorId"`
	UID            string `json:"uid"`
	RestaurantID   string `json:"restaurantId"`
	RestaurantName string `json:"restaurantName"`
	MenuItemID     string `json:"menuItemId"`
	VisitID        string `json:"visitId"`
	DishName       string `json:"dishName"`
	MenuItemName   string `json:"menuItemName"`
	Dish           string `json:"dish"`
	Category       string `json:"category"`
	DishCategory   string `json:"dishCategory"`
	Caption        string `json:"caption"`
	Comment        string `json:"comment"`
	Text           string `json:"text"`
	Visibility     string `json:"visibility"`
	IsPrivate      bool   `json:"isPrivate"`
	IsDeleted      bool   `json:"isDeleted"`
	PhotoURL       string `json:"photoUrl"`
	ImageURL       string `json:"imageUrl"`

	Rating        json.RawMessage   `json:"rating"`
	OverallRating json.RawMessage   `json:"overallRating"`
	Score         json.RawMessage   `json:"score"`
	CreatedAt     json.RawMessage   `json:"createdAt"`
	Timestamp     json.RawMessage   `json:"timestamp"`
	Tags          []json.RawMessage `json:"tags"`
	Images        []json.RawMessage `json:"images"`
	VisitPhotos   []string          `json:"visitPhotos"`
	Attributes    map[string]any    `json:"attributes"`

	Value     json.RawMessage `json:"value"`
	Freshness json.RawMessage `json:"freshness"`
	Saltiness json.RawMessage `json:"saltiness"`
	Occasion  json.RawMessage `json:"occasion"`
}

// imageObject は画像のオブジェクト形式。
type imageObject struct {
	URL          string `json:"url"`
	URI          string `json:"uri"`
	IsVisitPhoto bool   `json:"isVisitPhoto"`
	Scope        string `json:"scope"`
}

// timestampObject はネイティブタイムスタンプをシリアライズした形式。
type timestampObject struct {
	Seconds      *int64 `json:"seconds"`
	Nanoseconds  int64  `json:"nanoseconds"`
	USeconds     *int64 `json:"_seconds"`
	UNanoseconds int64  `json:"_nanoseconds"`
}

// Normalize は生ドキュメントを正規化されたReviewRecordに変換する。
// 作者IDまたは料理の識別子を欠く場合はErrMalformedを返す。
// createdAtが存在しないか解釈できない場合はnowを使う。
// ストアの列で論理削除・非公開にされている場合は、ドキュメントの値に関わらずそちらを採用する。
func Normalize(raw model.RawReview, now time.Time) (model.ReviewRecord, error) {
	var doc document
	if err := json.Unmarshal(raw.Doc, &doc); err != nil {
		return model.ReviewRecord{}, fmt.Errorf("%w: %s: %v", ErrMalformed, raw.ID, err)
	}

	rec := model.ReviewRecord{
		ID:             firstNonEmpty(raw.ID, doc.ID),
		UserID:         firstNonEmpty(doc.UserID, doc.AuthorID, doc.UID),
		RestaurantID:   strings.TrimSpace(doc.RestaurantID),
		RestaurantName: strings.TrimSpace(doc.RestaurantName),
		MenuItemID:     strings.TrimSpace(doc.MenuItemID),
		VisitID:        strings.TrimSpace(doc.VisitID),
		DishName:       firstNonEmpty(doc.DishName, doc.MenuItemName, doc.Dish),
		Category:       firstNonEmpty(doc.Category, doc.DishCategory),
		Caption:        firstNonEmpty(doc.Caption, doc.Comment, doc.Text),
		IsDeleted:      doc.IsDeleted || raw.IsDeleted,
		Visibility:     normalizeVisibility(doc.Visibility, doc.IsPrivate || isPrivate(raw.Visibility)),
	}

	if err := validate.Struct(identity{
		ID:         rec.ID,
		UserID:     rec.UserID,
		DishName:   rec.DishName,
		MenuItemID: rec.MenuItemID,
	}); err != nil {
		return model.ReviewRecord{}, fmt.Errorf("%w: %s: %v", ErrMalformed, rec.ID, err)
	}

	rec.Rating = parseRating(doc.Rating, doc.OverallRating, doc.Score)

	createdAt, ok := parseTimestamp(doc.CreatedAt)
	if !ok {
		createdAt, ok = parseTimestamp(doc.Timestamp)
	}
	if !ok {
		createdAt = now
	}
	rec.CreatedAt = createdAt.UTC()

	rec.Tags = parseStrings(doc.Tags)
	rec.Images = parseImages(doc)
	rec.Attributes = parseAttributes(doc)

	return rec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func normalizeVisibility(v string, isPrivateFlag bool) model.Visibility {
	if isPrivateFlag || isPrivate(v) {
		return model.VisibilityPrivate
	}
	return model.VisibilityPublic
}

func isPrivate(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), string(model.VisibilityPrivate))
}

// parseRating は数値または数値文字列の評価を読み取る。
// いずれの候補も解釈できない場合はNaNを返す。
func parseRating(candidates ...json.RawMessage) float64 {
	for _, raw := range candidates {
		if v, ok := parseNumber(raw); ok {
			return v
		}
	}
	return math.NaN()
}

func parseNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// parseTimestamp はストアが返す複数の時刻表現を1つの時刻に揃える。
// 対応形式: RFC 3339文字列、エポックミリ秒（またはエポック秒）の数値、
// {seconds, nanoseconds} および {_seconds, _nanoseconds} オブジェクト。
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, false
		}
		return parseTimeString(s)
	case '{':
		var obj timestampObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return time.Time{}, false
		}
		switch {
		case obj.Seconds != nil:
			return time.Unix(*obj.Seconds, obj.Nanoseconds), true
		case obj.USeconds != nil:
			return time.Unix(*obj.USeconds, obj.UNanoseconds), true
		}
		return time.Time{}, false
	default:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return time.Time{}, false
		}
		return fromEpoch(f), true
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f), true
	}
	return time.Time{}, false
}

func fromEpoch(f float64) time.Time {
	if math.Abs(f) < epochMillisThreshold {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9))
	}
	return time.UnixMilli(int64(f))
}

func parseStrings(raws []json.RawMessage) []string {
	var out []string
	for _, raw := range raws {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseImages は文字列形式・オブジェクト形式の画像と、単独のphotoUrl/imageUrlをまとめる。
func parseImages(doc document) []model.ReviewImage {
	var images []model.ReviewImage

	for _, u := range doc.VisitPhotos {
		if u = strings.TrimSpace(u); u != "" {
			images = append(images, model.ReviewImage{URL: u, VisitLevel: true})
		}
	}

	for _, raw := range doc.Images {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		if raw[0] == '"' {
			var u string
			if err := json.Unmarshal(raw, &u); err == nil {
				images = append(images, model.ReviewImage{URL: strings.TrimSpace(u)})
			}
			continue
		}
		var obj imageObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		images = append(images, model.ReviewImage{
			URL:        firstNonEmpty(obj.URL, obj.URI),
			VisitLevel: obj.IsVisitPhoto || strings.EqualFold(obj.Scope, "visit"),
		})
	}

	for _, u := range []string{doc.PhotoURL, doc.ImageURL} {
		if u = strings.TrimSpace(u); u != "" {
			images = append(images, model.ReviewImage{URL: u})
		}
	}

	return images
}

// parseAttributes はattributesオブジェクトとトップレベルの味覚属性を1つのマップにまとめる。
// 文字列・数値・真偽値以外の値は捨てる。トップレベルの値が優先される。
func parseAttributes(doc document) map[string]string {
	attrs := make(map[string]string)

	for k, v := range doc.Attributes {
		if s, ok := scalarString(v); ok {
			attrs[strings.ToLower(strings.TrimSpace(k))] = s
		}
	}

	for key, raw := range map[string]json.RawMessage{
		"value":     doc.Value,
		"freshness": doc.Freshness,
		"saltiness": doc.Saltiness,
		"occasion":  doc.Occasion,
	} {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if s, ok := scalarString(v); ok {
			attrs[key] = s
		}
	}

	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}
