// Package harness runs isolation scenarios against a row store and reports
// whether the store honoured the isolation level.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: nonrepeatable_read
//	description: "A committed update between two reads of one transaction"
//	level: read_committed
//	table:
//	  name: accounts
//	  columns:
//	    - { name: owner, type: text }
//	    - { name: balance, type: int }
//	rows:
//	  - { owner: A, balance: 100 }
//	  - { owner: B, balance: 200 }
//	points:
//	  - name: first_read
//	    participants: [t1, t2]
//	  - name: updated
//	    participants: [t1, t2]
//	transactions:
//	  - id: t1
//	    steps:
//	      - capture: { label: first }
//	      - wait: first_read
//	      - wait: updated
//	      - capture: { label: second }
//	  - id: t2
//	    steps:
//	      - wait: first_read
//	      - update: { where: { owner: A }, set: { balance: 300 } }
//	      - commit: true
//	      - wait: updated
//	expect:
//	  phenomenon: nonrepeatable_read
//	  observed:
//	    read_committed: true
//	    repeatable_read: false
//	    serializable: false
//
// Every step names exactly one action. Aggregates can bind their result
// with "as"; a value written "$name" in a later insert, update or where
// clause of the same transaction is replaced by it.
//
// A point with release_order hands the point to its participants one at a
// time. The next one goes when the current holder reaches its next wait or
// finishes, which is how "t2 commits before t1 resumes" is written.
//
// # Verdicts
//
// A run passes when the oracle finds no phenomenon the level forbids, the
// expectations for the level hold, and no transaction failed for reasons
// other than a serialization failure. The verdict is rendered as canonical
// JSON and fingerprinted, so repeated runs can be compared byte for byte.
//
// # Usage
//
//	sc, err := harness.LoadScenario("testdata/scenarios/write_skew.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := harness.Run(ctx, sc, memstore.Opener(), harness.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !res.Pass {
//	    for _, e := range res.Errors {
//	        fmt.Println(e)
//	    }
//	}
package harness
