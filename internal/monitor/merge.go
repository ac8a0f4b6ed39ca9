package monitor

// TopUp copies into s every field that s lacks and extra supplies. Fields s
// already holds are kept. Inventory is upgraded when extra is more specific:
// unknown < in stock < explicit quantity.
func (s *Snapshot) TopUp(extra Snapshot) {
	if s.Title == nil {
		s.Title = extra.Title
	}
	if s.Price == nil {
		s.Price = extra.Price
	}
	if s.Rank == nil {
		s.Rank = extra.Rank
	}
	if inventoryRank(extra.Inventory) > inventoryRank(s.Inventory) {
		s.Inventory = extra.Inventory
	}
	if s.MainImageDigest == nil {
		s.MainImageDigest = extra.MainImageDigest
	}
	if s.RichContentDigest == nil {
		s.RichContentDigest = extra.RichContentDigest
	}
	if s.TotalReviews == nil {
		s.TotalReviews = extra.TotalReviews
	}
	if s.AvgRating == nil {
		s.AvgRating = extra.AvgRating
	}
	if s.BulletText == nil {
		s.BulletText = extra.BulletText
	}
	if s.NegativeReviewDigest == nil {
		s.NegativeReviewDigest = extra.NegativeReviewDigest
	}
	if s.CouponValue == nil {
		s.CouponValue = extra.CouponValue
	}
	if s.IsLightningDeal == nil {
		s.IsLightningDeal = extra.IsLightningDeal
	}
}

func inventoryRank(i Inventory) int {
	switch i.Kind {
	case InventoryQuantity:
		return 2
	case InventoryInStock:
		return 1
	default:
		return 0
	}
}
