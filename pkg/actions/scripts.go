package actions

// In-page helpers invoked with Runtime.callFunctionOn, `this` bound to the
// target element. Each returns a by-value result the dispatcher decodes.

// fillDecisionScript sets the value directly for input kinds whose native
// setter is reliable, and asks for keystroke-based typing otherwise. Plain
// text inputs and textareas must be typed because frameworks listen for real
// input events that a bare property write does not produce.
const fillDecisionScript = `function(value) {
	const tag = (this.tagName || '').toLowerCase();
	const type = (this.type || '').toLowerCase();
	const directTypes = ['checkbox', 'radio', 'date', 'datetime-local', 'month',
		'week', 'time', 'color', 'range', 'hidden', 'file'];
	if (tag === 'input' && directTypes.indexOf(type) !== -1) {
		const desc = Object.getOwnPropertyDescriptor(window.HTMLInputElement.prototype, 'value');
		if (desc && desc.set) {
			desc.set.call(this, String(value));
		} else {
			this.value = String(value);
		}
		this.dispatchEvent(new Event('input', { bubbles: true }));
		this.dispatchEvent(new Event('change', { bubbles: true }));
		return { needsTyping: false };
	}
	return { needsTyping: true };
}`

// selectContentScript focuses the element and selects its current content so
// the next insert or delete replaces everything.
const selectContentScript = `function() {
	this.focus();
	if (typeof this.select === 'function') {
		this.select();
		return;
	}
	const range = document.createRange();
	range.selectNodeContents(this);
	const sel = window.getSelection();
	sel.removeAllRanges();
	sel.addRange(range);
}`

// setCheckedScript flips the checkbox only when it differs from the target
// state, then fires the events frameworks listen for.
const setCheckedScript = `function(target) {
	if (this.checked !== target) {
		this.checked = target;
		this.dispatchEvent(new Event('input', { bubbles: true }));
		this.dispatchEvent(new Event('change', { bubbles: true }));
	}
	return { checked: this.checked };
}`

// selectOptionScript picks an option by numeric index when the value is all
// digits, otherwise by case-insensitive match against value, label, text
// content and inner text, falling back to the first option.
const selectOptionScript = `function(value) {
	const options = Array.from(this.options || []);
	if (options.length === 0) {
		return { found: false, selected: '' };
	}
	const wanted = String(value).trim();
	let match = null;
	let found = true;
	if (/^\d+$/.test(wanted)) {
		const idx = parseInt(wanted, 10);
		if (idx >= 0 && idx < options.length) {
			match = options[idx];
		}
	}
	if (!match) {
		const lower = wanted.toLowerCase();
		match = options.find(o =>
			(o.value || '').toLowerCase() === lower ||
			(o.label || '').toLowerCase() === lower ||
			(o.textContent || '').trim().toLowerCase() === lower ||
			(o.innerText || '').trim().toLowerCase() === lower);
	}
	if (!match) {
		match = options[0];
		found = false;
	}
	this.value = match.value;
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
	return { found: found, selected: match.value };
}`

// scrollIntoViewScript is the fallback when DOM.scrollIntoViewIfNeeded is
// unavailable or rejects the node.
const scrollIntoViewScript = `function() {
	this.scrollIntoView({ block: 'center', inline: 'center', behavior: 'instant' });
}`

// scrollContainer resolves to the element itself, or the document's
// scrolling element when the target is the root/body.
const scrollToPercentageScript = `function(percent) {
	const isRoot = this === document.documentElement || this === document.body;
	const c = isRoot ? (document.scrollingElement || document.documentElement) : this;
	const max = c.scrollHeight - c.clientHeight;
	c.scrollTop = max * (percent / 100);
	return { scrollTop: c.scrollTop };
}`

// scrollChunkScript moves by one viewport-chunk of the element's own height,
// signed by direction.
const scrollChunkScript = `function(direction) {
	const isRoot = this === document.documentElement || this === document.body;
	const c = isRoot ? (document.scrollingElement || document.documentElement) : this;
	const chunk = this.getBoundingClientRect().height || c.clientHeight;
	c.scrollTop = c.scrollTop + chunk * direction;
	return { scrollTop: c.scrollTop };
}`
