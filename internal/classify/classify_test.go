package classify

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/auctionwatch/internal/model"
	"github.com/hitoshi/auctionwatch/internal/reconcile"
)

func listing(id int64) model.Listing {
	return model.Listing{
		ID:             id,
		Price:          decimal.NewFromInt(50),
		Datacenter:     model.DatacenterNuremberg,
		CPUName:        "Intel Xeon E3-1275V6",
		RAMSizeGB:      64,
		RAMModuleCount: 4,
		Disks:          model.Disks{model.DiskEnterpriseHDD: {4000, 4000}},
		Capabilities:   model.Capabilities{ECC: true},
	}
}

func TestClassify_New(t *testing.T) {
	l := listing(1)
	r := Classify(&l, nil)
	if r == nil {
		t.Fatal("新規出品はレコードを返すべき")
	}
	nl, ok := r.Change.(model.NewListing)
	if !ok {
		t.Fatalf("Change = %T, want NewListing", r.Change)
	}
	if nl.Listing.ID != 1 || r.ListingID != 1 {
		t.Errorf("ListingID = %d, want 1", r.ListingID)
	}
	if r.ThreadAnchor != nil {
		t.Error("新規出品のThreadAnchorはnilであるべき")
	}
}

func TestClassify_SoldCarriesAnchor(t *testing.T) {
	anchor := int64(100)
	old := listing(1)
	old.LastMessageID = &anchor

	r := Classify(nil, &old)
	if r == nil {
		t.Fatal("売却はレコードを返すべき")
	}
	if r.Kind() != model.ChangeKindSold {
		t.Errorf("Kind = %q, want sold", r.Kind())
	}
	if r.ThreadAnchor == nil || *r.ThreadAnchor != 100 {
		t.Errorf("ThreadAnchor = %v, want 100", r.ThreadAnchor)
	}
	if s := r.Change.(model.Sold); !s.Listing.Equal(old) {
		t.Error("売却レコードは最後に観測した属性を保持するべき")
	}
}

func TestClassify_PricePriorityOverHardware(t *testing.T) {
	old := listing(1)
	next := listing(1)
	next.Price = decimal.NewFromInt(60)
	next.CPUName = "AMD Ryzen 9 5950X"
	reduce := time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC)
	next.NextPriceReduce = &reduce

	r := Classify(&next, &old)
	if r == nil {
		t.Fatal("レコードを返すべき")
	}
	pc, ok := r.Change.(model.PriceChanged)
	if !ok {
		t.Fatalf("Change = %T, want PriceChanged", r.Change)
	}
	if !pc.OldPrice.Equal(decimal.NewFromInt(50)) || !pc.NewPrice.Equal(decimal.NewFromInt(60)) {
		t.Errorf("価格 = %s -> %s, want 50 -> 60", pc.OldPrice, pc.NewPrice)
	}
	if pc.NextPriceReduce == nil || !pc.NextPriceReduce.Equal(reduce) {
		t.Errorf("NextPriceReduce = %v, want %v", pc.NextPriceReduce, reduce)
	}
}

func TestClassify_AttributeScanOrder(t *testing.T) {
	old := listing(1)
	next := listing(1)
	next.RAMSizeGB = 128
	next.Disks = model.Disks{model.DiskSSD: {1000}}

	r := Classify(&next, &old)
	if r == nil {
		t.Fatal("レコードを返すべき")
	}
	hc, ok := r.Change.(model.HardwareChanged)
	if !ok {
		t.Fatalf("Change = %T, want HardwareChanged", r.Change)
	}
	if hc.Attribute != model.AttributeRAMSizeGB {
		t.Errorf("Attribute = %q, want ram_size_gb", hc.Attribute)
	}
	if hc.Old != "64" || hc.New != "128" {
		t.Errorf("値 = %q -> %q, want 64 -> 128", hc.Old, hc.New)
	}
}

func TestClassify_EachAttribute(t *testing.T) {
	tests := []struct {
		attr   model.Attribute
		mutate func(*model.Listing)
		old    string
		new    string
	}{
		{model.AttributeLocation, func(l *model.Listing) { l.Datacenter = model.DatacenterHelsinki }, "NBG", "HEL"},
		{model.AttributeCPUName, func(l *model.Listing) { l.CPUName = "Intel Xeon W-2145" }, "Intel Xeon E3-1275V6", "Intel Xeon W-2145"},
		{model.AttributeRAMModuleCount, func(l *model.Listing) { l.RAMModuleCount = 2 }, "4", "2"},
		{model.AttributeDisks, func(l *model.Listing) { l.Disks = model.Disks{model.DiskEnterpriseHDD: {4000}} }, "enterprise_hdd:[4000 4000]", "enterprise_hdd:[4000]"},
		{model.AttributeCapabilities, func(l *model.Listing) { l.Capabilities.IPv4 = true }, "ECC", "IPv4,ECC"},
	}

	for _, tt := range tests {
		t.Run(string(tt.attr), func(t *testing.T) {
			old := listing(1)
			next := listing(1)
			tt.mutate(&next)

			r := Classify(&next, &old)
			if r == nil {
				t.Fatal("レコードを返すべき")
			}
			hc := r.Change.(model.HardwareChanged)
			if hc.Attribute != tt.attr || hc.Old != tt.old || hc.New != tt.new {
				t.Errorf("got %+v, want {%s %s %s}", hc, tt.attr, tt.old, tt.new)
			}
		})
	}
}

func TestClassify_EqualReturnsNil(t *testing.T) {
	a, b := listing(1), listing(1)
	if r := Classify(&a, &b); r != nil {
		t.Errorf("等しい出品はnilを返すべき: %+v", r)
	}
	if r := Classify(nil, nil); r != nil {
		t.Errorf("両方nilはnilを返すべき: %+v", r)
	}
}

func TestClassify_ReduceTimeOnlyChangeReturnsNil(t *testing.T) {
	old := listing(1)
	next := listing(1)
	reduce := time.Now()
	next.NextPriceReduce = &reduce

	if r := Classify(&next, &old); r != nil {
		t.Errorf("値下げ予定時刻のみの変更は記録しないべき: %+v", r)
	}
}

func TestClassifyDiff_Order(t *testing.T) {
	anchor := int64(9)
	old := listing(1)
	old.LastMessageID = &anchor
	next := listing(1)
	next.Price = decimal.NewFromInt(60)

	diff := reconcile.Diff{
		Created: []model.Listing{listing(2)},
		Updated: []reconcile.Pair{{New: next, Old: old}},
		Removed: []model.Listing{listing(3)},
	}

	records := ClassifyDiff(diff)
	if len(records) != 3 {
		t.Fatalf("len = %d, want 3", len(records))
	}
	want := []model.ChangeKind{model.ChangeKindNew, model.ChangeKindPriceChanged, model.ChangeKindSold}
	for i, k := range want {
		if records[i].Kind() != k {
			t.Errorf("records[%d].Kind = %q, want %q", i, records[i].Kind(), k)
		}
	}
	if records[1].ThreadAnchor == nil || *records[1].ThreadAnchor != 9 {
		t.Errorf("価格変更は旧行のアンカーを引き継ぐべき: %v", records[1].ThreadAnchor)
	}
}
