package listing

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/hitoshi/auctionwatch/internal/model"
)

// unitFactors は容量単位からGBへの換算係数。
var unitFactors = map[string]float64{
	"GB": 1,
	"TB": 1000,
	"PB": 1000 * 1000,
}

// ParseDiskToken は "2 TB SATA" や "1 PB HDD Enterprise" のようなディスク表記を解析し、
// ディスク種別とGB単位の容量を返す。
// 形式は "<容量> <単位> <フラグ>..."。容量は最も近い整数に丸める。
// 単位が不明、容量が数値でない、種別フラグがない場合はエラーを返す。
func ParseDiskToken(token string) (model.DiskClass, int, error) {
	fields := strings.Fields(token)
	if len(fields) < 3 {
		return "", 0, fmt.Errorf("disk token %q: expected \"<size> <unit> <flags...>\"", token)
	}

	rawSize, unit, flags := fields[0], fields[1], fields[2:]

	factor, ok := unitFactors[unit]
	if !ok {
		return "", 0, fmt.Errorf("disk token %q: unknown unit %q", token, unit)
	}

	size, err := strconv.ParseFloat(rawSize, 64)
	if err != nil || size < 0 || math.IsNaN(size) || math.IsInf(size, 0) {
		return "", 0, fmt.Errorf("disk token %q: invalid size %q", token, rawSize)
	}
	rounded := math.Round(size * factor)
	// float64(math.MaxInt)は2^63に丸められるため等号も範囲外とする
	if rounded < 0 || rounded >= float64(math.MaxInt) {
		return "", 0, fmt.Errorf("disk token %q: invalid size %q", token, rawSize)
	}
	sizeGB := int(rounded)

	enterprise := hasFlag(flags, "Enterprise") || hasFlag(flags, "Datacenter")

	switch {
	case hasFlag(flags, "HDD"):
		if enterprise {
			return model.DiskEnterpriseHDD, sizeGB, nil
		}
		return model.DiskHDD, sizeGB, nil
	case hasFlag(flags, "SSD"), hasFlag(flags, "NVMe"), hasFlag(flags, "SATA"):
		if enterprise {
			return model.DiskEnterpriseSSD, sizeGB, nil
		}
		return model.DiskSSD, sizeGB, nil
	}

	return "", 0, fmt.Errorf("disk token %q: no disk type flag", token)
}

// ParseDisks はディスク表記の配列を種別ごとの容量一覧に変換する。
func ParseDisks(tokens []string) (model.Disks, error) {
	disks := make(model.Disks)
	for _, token := range tokens {
		class, size, err := ParseDiskToken(token)
		if err != nil {
			return nil, err
		}
		disks[class] = append(disks[class], size)
	}
	return disks, nil
}

// verifyDiskData はhdd_arrの解析結果がserverDiskDataの集計と一致するかを検証する。
// HDD系はhdd、SSD系はsata+nvmeと多重集合として比較する。
func verifyDiskData(disks model.Disks, data ServerDiskData) error {
	hdd := append(slices.Clone(disks[model.DiskHDD]), disks[model.DiskEnterpriseHDD]...)
	ssd := append(slices.Clone(disks[model.DiskSSD]), disks[model.DiskEnterpriseSSD]...)
	wantSSD := append(slices.Clone(data.SATA), data.NVMe...)

	if !sameMultiset(hdd, data.HDD) {
		return fmt.Errorf("parsed hdd disks %v do not match serverDiskData.hdd %v", hdd, data.HDD)
	}
	if !sameMultiset(ssd, wantSSD) {
		return fmt.Errorf("parsed ssd disks %v do not match serverDiskData.sata+nvme %v", ssd, wantSSD)
	}
	return nil
}

func sameMultiset(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := slices.Clone(a), slices.Clone(b)
	slices.Sort(sa)
	slices.Sort(sb)
	return slices.Equal(sa, sb)
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}
