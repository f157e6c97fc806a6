package call

// verificationWords renders a hash as four words that are easy to read over
// the call itself. Every byte of the prefix selects one word, so two devices
// showing the same words agree on the first four bytes of the hash; the full
// comparison is done with the emoji fingerprint.
func verificationWords(hash []byte) []string {
	words := make([]string, 0, 4)
	for i := 0; i < 4 && i < len(hash); i++ {
		words = append(words, wordList[hash[i]])
	}
	return words
}

// wordList holds 256 short, phonetically distinct English words.
var wordList = [256]string{
	"acid", "acorn", "actor", "adobe", "aikido", "alarm", "album", "alien",
	"almond", "amber", "anchor", "angle", "ankle", "antenna", "apple", "apron",
	"arcade", "arch", "arena", "argon", "armor", "arrow", "aspen", "atlas",
	"atom", "autumn", "avenue", "axis", "bacon", "badge", "bagel", "bamboo",
	"banana", "banjo", "barrel", "basket", "beacon", "beetle", "bell", "bench",
	"berry", "bicycle", "bishop", "bison", "blanket", "blossom", "bonfire", "bottle",
	"boulder", "bracket", "branch", "brick", "bridge", "bronze", "brush", "bubble",
	"bucket", "butter", "button", "cabin", "cactus", "camera", "canal", "candle",
	"canoe", "canyon", "carbon", "cargo", "carpet", "castle", "cedar", "cello",
	"cement", "chalk", "chapel", "cherry", "chess", "chisel", "cider", "cinema",
	"circle", "citrus", "clover", "cobalt", "coconut", "comet", "compass", "copper",
	"coral", "cotton", "cougar", "cradle", "crater", "crayon", "cricket", "crystal",
	"cupola", "curtain", "cymbal", "daisy", "debris", "delta", "denim", "diesel",
	"dinghy", "dolphin", "domino", "donut", "dragon", "drum", "dune", "eagle",
	"easel", "echo", "eclipse", "eel", "ember", "emerald", "engine", "envelope",
	"ermine", "falcon", "fedora", "fennel", "ferry", "fiddle", "fig", "filter",
	"fjord", "flannel", "flute", "fossil", "fountain", "fox", "frost", "galaxy",
	"garlic", "gazelle", "geyser", "ginger", "glacier", "goblet", "gondola", "granite",
	"grape", "gravel", "guitar", "hammer", "hammock", "harbor", "hazel", "helmet",
	"heron", "hickory", "honey", "horizon", "hornet", "iceberg", "igloo", "indigo",
	"iris", "iron", "island", "ivory", "jacket", "jade", "jaguar", "jasmine",
	"jelly", "jigsaw", "jungle", "juniper", "kayak", "kettle", "kiwi", "knight",
	"koala", "lagoon", "lantern", "lava", "lemon", "lentil", "lilac", "lily",
	"lizard", "lobster", "locket", "lotus", "lumber", "lynx", "magnet", "mango",
	"maple", "marble", "meadow", "melon", "meteor", "mint", "mirror", "mosaic",
	"moss", "moth", "mountain", "mulberry", "mustard", "nebula", "nickel", "nutmeg",
	"oasis", "ocean", "olive", "onyx", "opal", "orange", "orchid", "otter",
	"owl", "oyster", "paddle", "pagoda", "papaya", "parrot", "peach", "pearl",
	"pebble", "pelican", "pepper", "piano", "pigeon", "pillow", "pine", "pistachio",
	"planet", "plum", "pocket", "pond", "poppy", "prism", "pumpkin", "quartz",
	"quill", "rabbit", "raccoon", "radish", "raft", "rainbow", "raven", "reef",
	"ribbon", "river", "robin", "rocket", "saddle", "saffron", "salmon", "zephyr",
}
