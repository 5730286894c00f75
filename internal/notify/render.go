package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/auctionwatch/internal/model"
)

// Renderer は変更レコードを通知文に整形する。
// Telegram向けはHTML形式で、自由記述のテキストはエスケープする。
type Renderer struct {
	pricing model.Pricing
	policy  *bluemonday.Policy
	now     func() time.Time
}

// NewRenderer はRendererを生成する。pricingは実効価格の表示に使う。
func NewRenderer(pricing model.Pricing) *Renderer {
	return &Renderer{
		pricing: pricing,
		policy:  bluemonday.StrictPolicy(),
		now:     time.Now,
	}
}

// Telegram はTelegramのHTMLパースモード向けの通知文を返す。
func (r *Renderer) Telegram(rec model.ChangeRecord) string {
	return r.render(rec, true)
}

// Console はコンソール出力向けのプレーンテキストを返す。
func (r *Renderer) Console(rec model.ChangeRecord) string {
	return r.render(rec, false)
}

func (r *Renderer) render(rec model.ChangeRecord, html bool) string {
	var b strings.Builder
	text := func(s string) string {
		if html {
			return r.policy.Sanitize(s)
		}
		return s
	}
	header := func(icon, title string) {
		if html {
			fmt.Fprintf(&b, "%s <b>%s</b> #%d\n", icon, title, rec.ListingID)
		} else {
			fmt.Fprintf(&b, "%s %s #%d\n", icon, title, rec.ListingID)
		}
	}

	switch c := rec.Change.(type) {
	case model.NewListing:
		header("🆕", "新規出品")
		r.writeListing(&b, c.Listing, html, text)
	case model.Sold:
		header("✅", "売却済み")
		r.writeListing(&b, c.Listing, html, text)
	case model.PriceChanged:
		header("💶", "価格変更")
		fmt.Fprintf(&b, "本体価格: %s € → %s €\n", c.OldPrice.StringFixed(2), c.NewPrice.StringFixed(2))
		fmt.Fprintf(&b, "次回値下げ: %s\n", r.untilReduce(c.NextPriceReduce))
		b.WriteString(r.link(rec.ListingID, html))
	case model.HardwareChanged:
		header("🔧", "構成変更")
		fmt.Fprintf(&b, "%s: %s → %s\n", attributeLabel(c.Attribute), text(c.Old), text(c.New))
		b.WriteString(r.link(rec.ListingID, html))
	default:
		header("❔", "不明な変更")
	}

	return strings.TrimRight(b.String(), "\n")
}

func (r *Renderer) writeListing(b *strings.Builder, l model.Listing, html bool, text func(string) string) {
	fmt.Fprintf(b, "価格: %s € (税込", r.pricing.EffectivePriceOf(l).StringFixed(2))
	if !l.Capabilities.IPv4 && r.pricing.IPv4Surcharge != nil {
		b.WriteString("・IPv4加算込み")
	}
	b.WriteString(")\n")
	fmt.Fprintf(b, "次回値下げ: %s\n", r.untilReduce(l.NextPriceReduce))
	fmt.Fprintf(b, "CPU: %s\n", text(l.CPUName))
	fmt.Fprintf(b, "RAM: %d GB (%d枚)\n", l.RAMSizeGB, l.RAMModuleCount)
	fmt.Fprintf(b, "ディスク: %s\n", formatDisks(l.Disks))
	fmt.Fprintf(b, "機能: %s\n", l.Capabilities)
	fmt.Fprintf(b, "拠点: %s\n", l.Datacenter.DisplayName())
	b.WriteString(r.link(l.ID, html))
}

func (r *Renderer) link(id int64, html bool) string {
	u := model.Listing{ID: id}.URL()
	if html {
		return `<a href="` + u + `">` + u + "</a>\n"
	}
	return u + "\n"
}

// untilReduce は次回値下げまでの残り時間を表示用に整形する。
func (r *Renderer) untilReduce(t *time.Time) string {
	if t == nil {
		return "固定価格"
	}
	d := t.Sub(r.now())
	if d <= 0 {
		return "まもなく"
	}
	d = d.Round(time.Minute)
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	if hours > 0 {
		return fmt.Sprintf("%d時間%d分後", hours, minutes)
	}
	return fmt.Sprintf("%d分後", minutes)
}

func attributeLabel(a model.Attribute) string {
	switch a {
	case model.AttributeLocation:
		return "拠点"
	case model.AttributeCPUName:
		return "CPU"
	case model.AttributeRAMSizeGB:
		return "RAM容量(GB)"
	case model.AttributeRAMModuleCount:
		return "RAM枚数"
	case model.AttributeDisks:
		return "ディスク"
	case model.AttributeCapabilities:
		return "機能"
	}
	return string(a)
}

// formatDisks は "2x 512 GB ssd, 1x 2000 GB hdd" の形式でディスク構成を整形する。
func formatDisks(d model.Disks) string {
	var parts []string
	for _, class := range model.DiskClasses() {
		counts := make(map[int]int)
		var order []int
		for _, size := range d[class] {
			if counts[size] == 0 {
				order = append(order, size)
			}
			counts[size]++
		}
		for _, size := range order {
			parts = append(parts, strconv.Itoa(counts[size])+"x "+strconv.Itoa(size)+" GB "+string(class))
		}
	}
	if len(parts) == 0 {
		return "なし"
	}
	return strings.Join(parts, ", ")
}
