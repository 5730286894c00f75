package listing

import (
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/auctionwatch/internal/model"
)

// Build は生データ1件からListingを構築する。
// ディスク表記やRAM記述子が解析できない場合はMalformedListingErrorを返す。
func Build(raw RawServer) (model.Listing, error) {
	disks, err := ParseDisks(raw.HDDArr)
	if err != nil {
		return model.Listing{}, &model.MalformedListingError{ListingID: raw.ID, Field: "hdd_arr", Reason: err.Error()}
	}
	if raw.ServerDiskData != nil {
		if err := verifyDiskData(disks, *raw.ServerDiskData); err != nil {
			return model.Listing{}, &model.MalformedListingError{ListingID: raw.ID, Field: "serverDiskData", Reason: err.Error()}
		}
	}

	modules, err := parseRAMModuleCount(raw.RAM)
	if err != nil {
		return model.Listing{}, &model.MalformedListingError{ListingID: raw.ID, Field: "ram", Reason: err.Error()}
	}

	l := model.Listing{
		ID:             raw.ID,
		Price:          raw.Price,
		Datacenter:     model.ParseDatacenter(raw.Datacenter),
		CPUName:        raw.CPU,
		RAMSizeGB:      raw.RAMSize,
		RAMModuleCount: modules,
		Disks:          disks,
		Capabilities:   parseSpecials(raw.Specials),
	}

	// 固定価格の出品には値下げ予定がない
	if !raw.FixedPrice && raw.NextReduceTimestamp > 0 {
		t := time.Unix(raw.NextReduceTimestamp, 0).UTC()
		l.NextPriceReduce = &t
	}

	return l, nil
}

// BuildAll はフィード全体からListingを構築する。
// ディスクを1本も持たない出品は無効として除外し、除外件数を返す。
// 1件でも解析に失敗した場合はその時点でエラーを返す。
func BuildAll(feed Feed, logger *slog.Logger) ([]model.Listing, int, error) {
	listings := make([]model.Listing, 0, len(feed.Server))
	dropped := 0

	for _, raw := range feed.Server {
		l, err := Build(raw)
		if err != nil {
			return nil, 0, err
		}
		if l.TotalDisks() == 0 {
			logger.Warn("ディスクを持たない出品を除外しました",
				slog.Int64("listing_id", l.ID),
			)
			dropped++
			continue
		}
		listings = append(listings, l)
	}

	return listings, dropped, nil
}

// parseRAMModuleCount はRAM記述子（例: "4x RAM 16384 MB DDR4"）の先頭文字からモジュール数を取得する。
func parseRAMModuleCount(ram []string) (int, error) {
	if len(ram) == 0 || ram[0] == "" {
		return 0, errEmptyRAM
	}
	c := ram[0][0]
	if c < '0' || c > '9' {
		return 0, &ramDescriptorError{descriptor: ram[0]}
	}
	return int(c - '0'), nil
}

// parseSpecials は特記事項の文字列集合から機能フラグを構築する。
func parseSpecials(specials []string) model.Capabilities {
	var caps model.Capabilities
	for _, s := range specials {
		switch strings.TrimSpace(s) {
		case "IPv4":
			caps.IPv4 = true
		case "GPU":
			caps.GPU = true
		case "iNIC":
			caps.INIC = true
		case "ECC":
			caps.ECC = true
		case "HWR":
			caps.HWR = true
		}
	}
	return caps
}
