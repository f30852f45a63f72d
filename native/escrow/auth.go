package escrow

// Authorization is a pure function of the principal and the stored payment.

func canRelease(caller [20]byte, p *Payment) bool {
	return p != nil && caller == p.Buyer
}

func canRefund(caller [20]byte, p *Payment) bool {
	return p != nil && caller == p.Buyer
}

func canApproveRefund(caller [20]byte, p *Payment) bool {
	return p != nil && caller == p.Seller
}
