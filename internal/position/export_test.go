package position

// Exported for tests.
var FundingOwed = fundingOwed
